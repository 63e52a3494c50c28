package chat

import "errors"

var (
	ErrUnauthorized      = errors.New("chat: caller is not identified")
	ErrForbidden         = errors.New("chat: conversation belongs to another caller")
	ErrNotFound          = errors.New("chat: conversation not found")
	ErrEmptyUtterance    = errors.New("chat: utterance is empty")
	ErrGeneration        = errors.New("chat: generation failed")
	ErrDuplicateExchange = errors.New("chat: exchange already started")
)
