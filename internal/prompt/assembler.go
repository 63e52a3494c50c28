// Package prompt builds the ordered input sent to the generation backend.
package prompt

import (
	"strings"

	"github.com/wuwenbin0122/copilot/internal/models"
)

// Turn is one role-tagged entry of the generation input.
type Turn struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// Assembler merges the instruction block, the reconstructed history and the
// new utterance.
type Assembler struct {
	instruction string
}

// NewAssembler returns an Assembler using SystemInstruction.
func NewAssembler() *Assembler {
	return &Assembler{instruction: SystemInstruction}
}

// Instruction returns the system block the assembler prepends.
func (a *Assembler) Instruction() string {
	return a.instruction
}

// Assemble returns [system] + history + [user utterance].
//
// History is copied as is, in the order given, including any system or
// out-of-alternation turns. The utterance is always appended last even if the
// history already ends with the same text.
func (a *Assembler) Assemble(history []models.Message, utterance string) []Turn {
	turns := make([]Turn, 0, len(history)+2)
	turns = append(turns, Turn{Role: models.RoleSystem, Content: a.instruction})
	for _, msg := range history {
		turns = append(turns, Turn{Role: msg.Role, Content: msg.Content})
	}
	turns = append(turns, Turn{Role: models.RoleUser, Content: strings.TrimSpace(utterance)})
	return turns
}
