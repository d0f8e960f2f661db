package elasticsearch

import (
	"context"

	"gohan/ingest/models/indexes"
	"gohan/ingest/models/storage"
)

// appends the payloads of one file under its study; with addToSet a
// payload already held is not added twice
const stageScript = `
if (ctx._source[params.study] == null) {
	ctx._source[params.study] = ['new': true];
}
def study = ctx._source[params.study];
if (study[params.file] == null) {
	study[params.file] = [];
}
def held = study[params.file];
boolean modified = false;
for (p in params.payloads) {
	if (params.addToSet && held.contains(p)) {
		continue;
	}
	held.add(p);
	modified = true;
}
if (!modified) {
	ctx.op = 'noop';
}`

const markScript = `
def study = ctx._source[params.study];
if (study == null || study.new == false) {
	ctx.op = 'noop';
} else {
	study.new = false;
}`

// UpsertStaged sends every upsert as a scripted update retried on
// conflict, so concurrent loaders appending to one document do not fail.
// Inserts carry the staged document as upsert body.
func (r *Repository) UpsertStaged(ctx context.Context, upserts []storage.StageUpsert) (storage.BulkWriteResult, error) {
	items := make([]bulkItem, 0, len(upserts))
	for _, u := range upserts {
		items = append(items, bulkItem{
			id:     u.Key.String(),
			action: "update",
			body:   StageUpsertBody(u),

			retryOnConflict: true,
		})
	}

	outcome, err := r.bulk(ctx, r.StageIndex, items)
	if err != nil {
		return storage.BulkWriteResult{}, err
	}
	return collectStaged(r.StageIndex, outcome)
}

// StageUpsertBody is the update request of one upsert
func StageUpsertBody(u storage.StageUpsert) map[string]interface{} {
	body := map[string]interface{}{
		"script": map[string]interface{}{
			"lang":   "painless",
			"source": stageScript,
			"params": map[string]interface{}{
				"study":    u.StudyId,
				"file":     u.FileId,
				"payloads": indexes.EncodePayloads(u.Payloads),
				"addToSet": u.AddToSet,
			},
		},
	}
	if u.Insert {
		doc := &indexes.StagedDocument{
			Key:       u.Key,
			End:       u.End,
			Reference: u.Reference,
			Alternate: u.Alternate,
			Studies: map[string]*indexes.StagedStudy{
				u.StudyId: {New: true, Files: map[string][][]byte{u.FileId: u.Payloads}},
			},
		}
		body["upsert"] = doc.ToSource()
	}
	return body
}

func collectStaged(index string, outcome *bulkOutcome) (storage.BulkWriteResult, error) {
	var res storage.BulkWriteResult
	for _, id := range outcome.ids() {
		switch outcome.results[id] {
		case "created":
			res.Inserted = append(res.Inserted, id)
		case "updated":
			res.Matched = append(res.Matched, id)
			res.Modified = append(res.Modified, id)
		default:
			res.Matched = append(res.Matched, id)
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
		return res, &BulkError{Index: index, Items: failures}
	}
	return res, nil
}

// MarkMerged flips the new marker of the study off at every id
func (r *Repository) MarkMerged(ctx context.Context, studyId string, ids []string) error {
	items := make([]bulkItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, bulkItem{
			id:     id,
			action: "update",
			body: map[string]interface{}{
				"script": map[string]interface{}{
					"lang":   "painless",
					"source": markScript,
					"params": map[string]interface{}{"study": studyId},
				},
			},

			retryOnConflict: true,
		})
	}

	outcome, err := r.bulk(ctx, r.StageIndex, items)
	if err != nil {
		return err
	}
	if len(outcome.failures) > 0 {
		return &BulkError{Index: r.StageIndex, Items: outcome.failures}
	}
	return nil
}
