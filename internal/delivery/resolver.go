package delivery

import (
	"context"
	"fmt"

	"tgblast/internal/transport"
)

// Resolver produces the final ordered recipient list for one attempt:
// the job's inline list wins, then the campaign's stored manual list, then
// the campaign's audience segment. The result is deduplicated preserving
// first-seen order.
type Resolver struct {
	Segments SegmentSource
}

// Resolve returns the attempt's recipients.
//
// An explicitly supplied empty manual list is valid (total=0, the campaign
// completes immediately). ErrNoRecipients fires when a configured source was
// consulted and produced nothing, or when the campaign names no source at all.
func (r *Resolver) Resolve(ctx context.Context, job Job, c Campaign) ([]transport.Recipient, error) {
	if job.Recipients != nil {
		return dedupe(parseAll(job.Recipients)), nil
	}
	if c.Recipients != nil {
		return dedupe(parseAll(c.Recipients)), nil
	}
	if c.SegmentID != "" {
		if r.Segments == nil {
			return nil, fmt.Errorf("campaign %s targets segment %s but no segment source is wired", c.ID, c.SegmentID)
		}
		out, err := r.Segments.Resolve(ctx, c.SegmentID, c.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", c.SegmentID, err)
		}
		if len(out) == 0 {
			return nil, ErrNoRecipients
		}
		return dedupe(out), nil
	}
	return nil, ErrNoRecipients
}

func parseAll(raw []string) []transport.Recipient {
	out := make([]transport.Recipient, 0, len(raw))
	for _, s := range raw {
		r := transport.ParseRecipient(s)
		if r.IsZero() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// dedupe keeps the first occurrence of each recipient, preserving order.
func dedupe(in []transport.Recipient) []transport.Recipient {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, r := range in {
		k := r.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
