package extraction

import (
	"context"

	"grouper_server/core/domain"
	"grouper_server/pkg/logger"

	"github.com/go-pkgz/pool"
	"github.com/google/uuid"
)

// BatchItem is the outcome for one email of a batch: either a record or an
// error entry with zero confidence.
type BatchItem struct {
	EmailID    string               `json:"email_id"`
	Record     *domain.EntityRecord `json:"record,omitempty"`
	Err        error                `json:"-"`
	Error      string               `json:"error,omitempty"`
	Confidence float64              `json:"confidence"`
}

// OK reports whether the item holds a record.
func (b BatchItem) OK() bool { return b.Err == nil && b.Record != nil }

// ExtractBatch extracts every email independently. Failures never abort the
// batch; the result has one item per input, in input order.
func (e *Extractor) ExtractBatch(ctx context.Context, userID uuid.UUID, emails []*domain.EmailContent) []BatchItem {
	items := make([]BatchItem, len(emails))
	if len(emails) == 0 {
		return items
	}

	worker := pool.WorkerFunc[int](func(ctx context.Context, i int) error {
		items[i] = e.extractItem(ctx, userID, emails[i])
		return nil
	})

	size := e.cfg.Concurrency
	if size > len(emails) {
		size = len(emails)
	}
	p := pool.New[int](size, worker).WithContinueOnError()
	if err := p.Go(ctx); err != nil {
		for i := range emails {
			items[i] = failedItem(emailID(emails[i]), err)
		}
		return items
	}
	for i := range emails {
		if ctx.Err() != nil {
			break
		}
		p.Submit(i)
	}
	if err := p.Close(ctx); err != nil {
		logger.WithError(err).Warn("extraction batch closed with error")
	}

	// Items skipped by a cancelled context are reported as failures.
	for i := range items {
		if items[i].Record == nil && items[i].Err == nil {
			err := ctx.Err()
			if err == nil {
				err = context.Canceled
			}
			items[i] = failedItem(emailID(emails[i]), &ExtractionError{EmailID: emailID(emails[i]), Err: err})
		}
	}
	return items
}

func (e *Extractor) extractItem(ctx context.Context, userID uuid.UUID, email *domain.EmailContent) BatchItem {
	rec, err := e.Extract(ctx, userID, email)
	if err != nil {
		logger.WithError(err).WithField("email_id", emailID(email)).Warn("failed to extract entities")
		return failedItem(emailID(email), err)
	}
	return BatchItem{EmailID: rec.EmailID, Record: rec, Confidence: rec.Confidence}
}

func failedItem(id string, err error) BatchItem {
	return BatchItem{EmailID: id, Err: err, Error: err.Error(), Confidence: 0}
}

func emailID(email *domain.EmailContent) string {
	if email == nil {
		return ""
	}
	return email.ID
}

// Records returns the successful records of a batch, in order.
func Records(items []BatchItem) []domain.EntityRecord {
	out := make([]domain.EntityRecord, 0, len(items))
	for _, it := range items {
		if it.OK() {
			out = append(out, *it.Record)
		}
	}
	return out
}

// Failures returns the error entries of a batch, in order.
func Failures(items []BatchItem) []BatchItem {
	var out []BatchItem
	for _, it := range items {
		if !it.OK() {
			out = append(out, it)
		}
	}
	return out
}
