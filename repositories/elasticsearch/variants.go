package elasticsearch

import (
	"context"

	"gohan/ingest/models/indexes"
	"gohan/ingest/models/storage"

	"github.com/pkg/errors"
)

// folds params.study into the entry of the same study: samples move
// between genotype buckets, files are listed once, emptied buckets are
// dropped. A missing study is only created with createStudy, otherwise
// the update is a noop.
const studyScript = `
if (ctx._source.studies == null) {
	ctx._source.studies = [];
}
def entry = null;
for (s in ctx._source.studies) {
	if (s.studyId == params.studyId) {
		entry = s;
		break;
	}
}
if (entry == null) {
	if (params.createStudy) {
		ctx._source.studies.add(params.study);
	} else {
		ctx.op = 'noop';
	}
} else {
	if (entry.files == null) {
		entry.files = [];
	}
	if (params.study.files != null) {
		for (f in params.study.files) {
			boolean listed = false;
			for (held in entry.files) {
				if (held.fileId == f.fileId) {
					listed = true;
					break;
				}
			}
			if (!listed) {
				entry.files.add(f);
			}
		}
	}
	if (entry.gt == null) {
		entry.gt = [:];
	}
	if (params.study.gt != null) {
		for (gt in params.study.gt.keySet()) {
			def moving = params.study.gt[gt];
			for (bucket in entry.gt.keySet()) {
				if (bucket != gt) {
					entry.gt[bucket].removeAll(moving);
				}
			}
			if (entry.gt[gt] == null) {
				entry.gt[gt] = [];
			}
			for (sample in moving) {
				if (!entry.gt[gt].contains(sample)) {
					entry.gt[gt].add(sample);
				}
			}
		}
	}
	entry.gt.values().removeIf(v -> v.isEmpty());
}`

// InsertVariants creates the canonical documents; existing keys fail
// with a version conflict
func (r *Repository) InsertVariants(ctx context.Context, variants []*indexes.CanonicalVariant) (storage.BulkWriteResult, error) {
	items := make([]bulkItem, 0, len(variants))
	for _, v := range variants {
		source, err := v.ToSource()
		if err != nil {
			return storage.BulkWriteResult{}, err
		}
		items = append(items, bulkItem{id: v.Key, action: "create", body: source})
	}

	outcome, err := r.bulk(ctx, r.VariantIndex, items)
	if err != nil {
		return storage.BulkWriteResult{}, err
	}

	var res storage.BulkWriteResult
	for _, id := range outcome.ids() {
		res.Inserted = append(res.Inserted, id)
	}
	if len(outcome.failures) > 0 {
		return res, &BulkError{Index: r.VariantIndex, Items: outcome.failures}
	}
	return res, nil
}

// UpdateVariants applies the study updates; unmatched keys and studies
// are listed as failed
func (r *Repository) UpdateVariants(ctx context.Context, updates []storage.VariantUpdate) (storage.BulkWriteResult, error) {
	items := make([]bulkItem, 0, len(updates))
	for _, u := range updates {
		body, err := VariantUpdateBody(u)
		if err != nil {
			return storage.BulkWriteResult{}, err
		}
		items = append(items, bulkItem{id: u.Key, action: "update", body: body, retryOnConflict: true})
	}

	outcome, err := r.bulk(ctx, r.VariantIndex, items)
	if err != nil {
		return storage.BulkWriteResult{}, err
	}

	var res storage.BulkWriteResult
	for _, id := range outcome.ids() {
		switch outcome.results[id] {
		case "created":
			res.Inserted = append(res.Inserted, id)
		case "updated":
			res.Matched = append(res.Matched, id)
			res.Modified = append(res.Modified, id)
		default:
			// the study guard turned the update into a noop
			res.Failed = append(res.Failed, id)
		}
	}

	var failures []ItemError
	for _, f := range outcome.failures {
		if f.Type == documentMissing {
			res.Failed = append(res.Failed, f.DocumentId)
			continue
		}
		failures = append(failures, f)
	}
	if len(failures) > 0 {
		return res, &BulkError{Index: r.VariantIndex, Items: failures}
	}
	return res, nil
}

// VariantUpdateBody is the scripted update of one study, upserting the
// canonical variant when the update carries one
func VariantUpdateBody(u storage.VariantUpdate) (map[string]interface{}, error) {
	if u.Study == nil {
		return nil, errors.Errorf("update of %s carries no study", u.Key)
	}

	body := map[string]interface{}{
		"script": map[string]interface{}{
			"lang":   "painless",
			"source": studyScript,
			"params": map[string]interface{}{
				"studyId":     u.StudyId,
				"createStudy": u.CreateStudy,
				"study":       u.Study,
			},
		},
	}
	if u.Upsert != nil {
		source, err := u.Upsert.ToSource()
		if err != nil {
			return nil, err
		}
		body["upsert"] = source
	}
	return body, nil
}
