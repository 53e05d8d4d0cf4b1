// Package promptassembler defines the prompt assembler collaborator
// (§6): a pure function from conversation state to an ordered message
// list. Real assembly (macro expansion, lore book retrieval, preset
// formatting) is explicitly out of scope -- this package fixes the
// input/output shape and ships a minimal reference implementation.
package promptassembler

// HistoryEntry is one entry of the history window handed to the
// assembler, already filtered to visibility != hidden upstream.
type HistoryEntry struct {
	Role    string
	Content string
	Name    string
}

// Input bundles everything the assembler needs to build a prompt.
type Input struct {
	SpeakerMembershipID string
	SpeakerDisplayName  string
	History             []HistoryEntry
	Preset              map[string]any
	MacroVariables      map[string]string
	GreetingIndex       int
}

// Message is one assembled prompt message.
type Message struct {
	Role    string
	Content string
	Name    string `json:",omitempty"`
}

// Output is the assembler's deterministic result for a given Input.
type Output struct {
	Messages      []Message
	StopSequences []string
	Warnings      []string
}

// Assembler builds a prompt from conversation state. Implementations
// must be deterministic for identical input.
type Assembler interface {
	Assemble(in Input) (Output, error)
}

// StubAssembler slices the history window into messages verbatim,
// tagging each with the speaker it came from. It does not expand
// macros or resolve lore book entries; callers needing those wire in
// their own Assembler.
type StubAssembler struct{}

func (StubAssembler) Assemble(in Input) (Output, error) {
	messages := make([]Message, 0, len(in.History))
	for _, h := range in.History {
		messages = append(messages, Message{Role: h.Role, Content: h.Content, Name: h.Name})
	}

	var warnings []string
	if len(in.MacroVariables) > 0 {
		warnings = append(warnings, "macro expansion not implemented by StubAssembler")
	}

	return Output{
		Messages:      messages,
		StopSequences: nil,
		Warnings:      warnings,
	}, nil
}
