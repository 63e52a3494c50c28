// Package generation talks to the model that writes CoPilot answers.
package generation

import (
	"context"
	"errors"

	"github.com/wuwenbin0122/copilot/internal/models"
	"github.com/wuwenbin0122/copilot/internal/prompt"
)

var ErrBackend = errors.New("generation: backend failure")

// Stream yields answer text chunk by chunk. Recv returns io.EOF once the
// answer is complete.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Backend starts a streamed generation for the assembled turns.
type Backend interface {
	Stream(ctx context.Context, turns []prompt.Turn, settings models.GenerationSettings) (Stream, error)
}
