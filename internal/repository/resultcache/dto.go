package resultcache

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kailas-cloud/qflow/internal/domain/ranking"
	"github.com/kailas-cloud/qflow/internal/domain/search/fingerprint"
	"github.com/kailas-cloud/qflow/internal/usecase/resultcache"
)

// entryVersion is bumped whenever the encoded layout changes.
const entryVersion = 1

type entryRow struct {
	Version   int         `msgpack:"v"`
	FP        string      `msgpack:"fp"`
	Results   []resultRow `msgpack:"r"`
	Evaluated int         `msgpack:"ev"`
	Dropped   int         `msgpack:"dr"`
	Rerank    bool        `msgpack:"rr"`
	CreatedAt int64       `msgpack:"ts"`
	TTL       int64       `msgpack:"ttl"`
}

type resultRow struct {
	ID        string            `msgpack:"id"`
	Score     float64           `msgpack:"s"`
	Classical float64           `msgpack:"c"`
	Applied   bool              `msgpack:"a"`
	Metadata  map[string]string `msgpack:"m,omitempty"`
	Breakdown *breakdownRow     `msgpack:"b,omitempty"`
}

type breakdownRow struct {
	Classical float64 `msgpack:"c"`
	Fidelity  float64 `msgpack:"f"`
	Phase     float64 `msgpack:"p"`
	Amplitude float64 `msgpack:"a"`
	Combined  float64 `msgpack:"x"`
}

func encodeEntry(e *resultcache.Entry) ([]byte, error) {
	row := entryRow{
		Version:   entryVersion,
		FP:        e.Fingerprint.String(),
		Results:   make([]resultRow, len(e.Results)),
		Evaluated: e.CandidatesEvaluated,
		Dropped:   e.Dropped,
		Rerank:    e.RerankApplied,
		CreatedAt: e.CreatedAt.UnixNano(),
		TTL:       int64(e.TTL),
	}
	for i := range e.Results {
		d := &e.Results[i]
		rr := resultRow{
			ID:        d.Result.ID(),
			Score:     d.Result.Score(),
			Classical: d.Result.ClassicalScore(),
			Applied:   d.Result.RerankApplied(),
			Metadata:  d.Result.Metadata(),
		}
		if b := d.Breakdown; b != nil {
			rr.Breakdown = &breakdownRow{
				Classical: b.Classical,
				Fidelity:  b.Fidelity,
				Phase:     b.PhaseCoherence,
				Amplitude: b.AmplitudeEstimated,
				Combined:  b.Combined,
			}
		}
		row.Results[i] = rr
	}

	data, err := msgpack.Marshal(&row)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (resultcache.Entry, error) {
	var row entryRow
	if err := msgpack.Unmarshal(data, &row); err != nil {
		return resultcache.Entry{}, fmt.Errorf("unmarshal entry: %w", err)
	}
	if row.Version != entryVersion {
		return resultcache.Entry{}, fmt.Errorf("unsupported entry version %d", row.Version)
	}

	results := make([]ranking.Detailed, len(row.Results))
	for i, rr := range row.Results {
		results[i].Result = ranking.Reconstruct(rr.ID, rr.Score, rr.Classical, rr.Applied, rr.Metadata)
		if b := rr.Breakdown; b != nil {
			results[i].Breakdown = &ranking.Breakdown{
				Classical:          b.Classical,
				Fidelity:           b.Fidelity,
				PhaseCoherence:     b.Phase,
				AmplitudeEstimated: b.Amplitude,
				Combined:           b.Combined,
			}
		}
	}

	return resultcache.Entry{
		Fingerprint:         fingerprint.Fingerprint(row.FP),
		Results:             results,
		CandidatesEvaluated: row.Evaluated,
		Dropped:             row.Dropped,
		RerankApplied:       row.Rerank,
		CreatedAt:           time.Unix(0, row.CreatedAt),
		TTL:                 time.Duration(row.TTL),
	}, nil
}
