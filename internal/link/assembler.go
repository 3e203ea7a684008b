package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shaunagostinho/optosync/internal/ledconfig"
)

// Source is a stream of raw byte chunks. *Link satisfies it.
type Source interface {
	Chunks() <-chan []byte
}

// Persister stores a reconstructed configuration. *ledconfig.Store satisfies it.
type Persister interface {
	Save(cfg ledconfig.Config) error
}

// AssemblerConfig tunes idle-gap framing.
type AssemblerConfig struct {
	// IdleTimeout is the silence after the last byte that ends a candidate message.
	IdleTimeout time.Duration
	// PollInterval is how often the idle timer is checked.
	PollInterval time.Duration
	// MaxAttempts bounds the number of idle gaps whose buffer fails to
	// resolve before the message is declared malformed.
	MaxAttempts int
}

const (
	defaultIdleTimeout  = 1 * time.Second
	defaultPollInterval = 10 * time.Millisecond
	defaultMaxAttempts  = 5
)

func (c AssemblerConfig) withDefaults() AssemblerConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// errIncomplete marks a buffer that does not yet end in a closing brace.
var errIncomplete = errors.New("payload incomplete")

// Assembler rebuilds one configuration message from an unframed byte
// stream. Message boundaries come only from idle gaps: once no byte has
// arrived for IdleTimeout, everything accumulated so far is evaluated.
type Assembler struct {
	src   Source
	store Persister
	cfg   AssemblerConfig
}

// NewAssembler creates an assembler reading src and persisting to store.
func NewAssembler(src Source, store Persister, cfg AssemblerConfig) *Assembler {
	return &Assembler{src: src, store: store, cfg: cfg.withDefaults()}
}

// Assemble blocks until a configuration has been reconstructed and
// persisted, ctx is cancelled, the source closes, or MaxAttempts idle gaps
// pass with a non-empty buffer that does not parse (ErrMalformedMessage).
// Idle gaps with no new bytes count towards MaxAttempts too, so a single
// corrupt message followed by silence still terminates.
//
// A failed evaluation never discards the buffer; later bytes are appended
// and the whole buffer is evaluated again at the next idle gap.
//
// If only persisting fails, the parsed configuration is still returned
// alongside an error wrapping ledconfig.ErrPersistence.
func (a *Assembler) Assemble(ctx context.Context) (ledconfig.Config, error) {
	var (
		buf      []byte
		lastIdle time.Time // last byte received or last idle gap evaluated
		pending  bool      // bytes arrived since the last evaluation
		attempts int
		lastErr  error
	)

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	chunks := a.src.Chunks()
	for {
		select {
		case <-ctx.Done():
			return ledconfig.Config{}, ctx.Err()

		case chunk, ok := <-chunks:
			if !ok {
				return ledconfig.Config{}, fmt.Errorf("assembler: %w", ErrPortClosed)
			}
			buf = append(buf, chunk...)
			lastIdle = time.Now()
			pending = true

		case <-ticker.C:
			if len(buf) == 0 || time.Since(lastIdle) < a.cfg.IdleTimeout {
				continue
			}
			lastIdle = time.Now()
			attempts++

			if !pending {
				log.Printf("[assembler] idle with %d unresolved bytes (attempt %d/%d)", len(buf), attempts, a.cfg.MaxAttempts)
			} else {
				pending = false
				cfg, text, err := evaluate(buf)
				if err == nil {
					log.Printf("[assembler] message complete (%d bytes): %s", len(buf), text)
					if perr := a.store.Save(cfg); perr != nil {
						return cfg, perr
					}
					return cfg, nil
				}
				lastErr = err

				switch {
				case errors.Is(err, ErrDecode):
					log.Printf("[assembler] %v, treating as empty (attempt %d/%d)", err, attempts, a.cfg.MaxAttempts)
				case errors.Is(err, errIncomplete):
					log.Printf("[assembler] accumulated %q, waiting for more data (attempt %d/%d)", text, attempts, a.cfg.MaxAttempts)
				default:
					log.Printf("[assembler] parse error, waiting for more data (attempt %d/%d): %v", attempts, a.cfg.MaxAttempts, err)
				}
			}

			if attempts >= a.cfg.MaxAttempts {
				return ledconfig.Config{}, fmt.Errorf("%w: no valid message after %d idle gaps (%d bytes buffered): %w",
					ErrMalformedMessage, attempts, len(buf), lastErr)
			}
		}
	}
}

// evaluate decodes the buffer, applies the leading-brace repair and parses
// it once it ends with a closing brace. The returned text is the repaired
// candidate, for logging.
func evaluate(buf []byte) (ledconfig.Config, string, error) {
	if !utf8.Valid(buf) {
		return ledconfig.Config{}, "", fmt.Errorf("%w (%d bytes)", ErrDecode, len(buf))
	}
	text := repairLeadingBrace(strings.TrimSpace(string(buf)))
	if !strings.HasSuffix(text, "}") {
		return ledconfig.Config{}, text, errIncomplete
	}
	cfg, err := ledconfig.Decode([]byte(text))
	if err != nil {
		return ledconfig.Config{}, text, err
	}
	return cfg, text, nil
}

// repairLeadingBrace is a compatibility fallback for the fixed transmitter
// counterpart, whose first byte is sometimes lost on the wire: if the text
// does not open with '{', one is prepended.
func repairLeadingBrace(text string) string {
	if strings.HasPrefix(text, "{") {
		return text
	}
	return "{" + text
}
