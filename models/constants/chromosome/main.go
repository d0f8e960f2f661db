package chromosome

import (
	"fmt"
	"strconv"
	"strings"
)

func ValidListOfHumanChromosomes() []string {
	var humChroms []string
	for i := 1; i < 23; i++ {
		humChroms = append(humChroms, fmt.Sprint(i))
	}
	humChroms = append(humChroms, "X")
	humChroms = append(humChroms, "Y")
	humChroms = append(humChroms, "M")
	return humChroms
}

// Normalize strips any 'chr' prefix and folds the
// mitochondrial aliases onto "M"
func Normalize(text string) string {
	value := strings.TrimSpace(text)
	if len(value) > 3 && strings.EqualFold(value[:3], "chr") {
		value = value[3:]
	}
	switch strings.ToUpper(value) {
	case "MT", "M":
		return "M"
	case "X":
		return "X"
	case "Y":
		return "Y"
	}
	return value
}

func IsValidHumanChromosome(text string) bool {

	// Check if number can be represented as an int as is non-zero
	chromNumber, _ := strconv.Atoi(text)
	if chromNumber > 0 {
		// It can..
		// Check if it in range 1-22
		if chromNumber < 23 {
			return true
		}
	} else {
		// No it can't..
		// Check if it is an X, Y or M
		switch strings.ToLower(Normalize(text)) {
		case "x", "y", "m":
			return true
		}
	}

	return false
}
