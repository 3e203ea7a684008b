package link

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultTrigger is the literal the transmitter sends to start a run.
const DefaultTrigger = "1"

// TriggerDetector waits on the same stream the assembler used for the
// one-shot start signal.
type TriggerDetector struct {
	src     Source
	literal string
}

// NewTriggerDetector returns a detector matching literal, or DefaultTrigger
// when literal is empty.
func NewTriggerDetector(src Source, literal string) *TriggerDetector {
	if literal == "" {
		literal = DefaultTrigger
	}
	return &TriggerDetector{src: src, literal: literal}
}

// Wait blocks until a chunk decodes, after trimming whitespace, to the
// trigger literal and returns the detection time. A timeout of zero waits
// until ctx is cancelled; otherwise ErrTriggerTimeout is returned when it
// elapses. Chunks that are not the trigger are logged and dropped.
func (d *TriggerDetector) Wait(ctx context.Context, timeout time.Duration) (time.Time, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	log.Printf("[trigger] waiting for %q", d.literal)
	chunks := d.src.Chunks()
	for {
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()

		case <-deadline:
			return time.Time{}, fmt.Errorf("%w within %v", ErrTriggerTimeout, timeout)

		case chunk, ok := <-chunks:
			if !ok {
				return time.Time{}, fmt.Errorf("trigger: %w", ErrPortClosed)
			}
			at := time.Now()
			decoded := ""
			if utf8.Valid(chunk) {
				decoded = strings.TrimSpace(string(chunk))
			}
			log.Printf("[trigger] received %q", decoded)
			if decoded == d.literal {
				log.Printf("[trigger] detected at %s", at.Format(time.RFC3339Nano))
				return at, nil
			}
		}
	}
}
