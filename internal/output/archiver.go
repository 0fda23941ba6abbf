package output

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

const writeTimeout = 30 * time.Second

// Archiver is a feed.Sink that hands every IP_DATA batch to a Writer on its own
// goroutine, so a slow destination never stalls a poll cycle.
type Archiver struct {
	w     Writer
	log   zerolog.Logger
	queue chan []feed.Record
}

func NewArchiver(w Writer, log zerolog.Logger) *Archiver {
	return &Archiver{w: w, log: log, queue: make(chan []feed.Record, 16)}
}

// Emit implements feed.Sink. Batches are dropped when the queue is full.
func (a *Archiver) Emit(e feed.Event) {
	if e.Kind != feed.KindIPData || len(e.Records) == 0 {
		return
	}
	select {
	case a.queue <- e.Records:
	default:
		a.log.Warn().Int("records", len(e.Records)).Msg("archive queue full; batch dropped")
	}
}

// Run writes queued batches until ctx is done, then drains the queue and closes the writer.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case recs := <-a.queue:
			a.write(recs)
		case <-ctx.Done():
			for {
				select {
				case recs := <-a.queue:
					a.write(recs)
				default:
					return a.w.Close()
				}
			}
		}
	}
}

func (a *Archiver) write(recs []feed.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for _, rec := range recs {
		if err := a.w.Write(ctx, rec); err != nil {
			a.log.Error().Err(err).Str("ip", rec.IPAddress).Msg("archive record")
			return
		}
	}
	if err := a.w.Flush(ctx); err != nil {
		a.log.Error().Err(err).Int("records", len(recs)).Msg("archive flush")
		return
	}
	a.log.Debug().Int("records", len(recs)).Msg("records archived")
}
