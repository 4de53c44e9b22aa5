package patching

import (
	"fmt"

	"github.com/openfluke/loompatch/nn"
)

// Kind selects which sub-part of every layer is patched.
type Kind = nn.Site

const (
	KindAttention = nn.SiteAttention
	KindMLP       = nn.SiteMLP
	KindBlock     = nn.SiteBlock
)

// ParseKind accepts exactly "attn", "mlp" and "blocks".
func ParseKind(name string) (Kind, error) {
	k, err := nn.ParseSite(name)
	if err != nil {
		return 0, &ConfigurationError{Field: "submodule", Reason: fmt.Sprintf("unknown kind %q (want attn, mlp or blocks)", name)}
	}
	return k, nil
}

// PatchSpec is one patching request.
type PatchSpec struct {
	ModelID           string
	Submodule         string
	SourcePrompt      string
	DestinationPrompt string
	CorrectID         int
	IncorrectID       int
	PatchTokens       bool
}

// Validate checks everything that does not need the model.
func (s PatchSpec) Validate() error {
	if _, err := ParseKind(s.Submodule); err != nil {
		return err
	}
	if !s.PatchTokens {
		return &ConfigurationError{Field: "patch_tokens", Reason: "only per-token patching is supported"}
	}
	if s.CorrectID == s.IncorrectID {
		return &ConfigurationError{Field: "correct_id", Reason: fmt.Sprintf("must differ from incorrect_id (both %d)", s.CorrectID)}
	}
	return nil
}

// validateVocab checks the token ids against the resolved model.
func (s PatchSpec) validateVocab(vocab int) error {
	for _, f := range []struct {
		name string
		id   int
	}{{"correct_id", s.CorrectID}, {"incorrect_id", s.IncorrectID}} {
		if f.id < 0 || f.id >= vocab {
			return &ConfigurationError{Field: f.name, Reason: fmt.Sprintf("%d outside vocabulary [0, %d)", f.id, vocab)}
		}
	}
	return nil
}
