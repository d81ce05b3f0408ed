package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/migrate/internal/domain/canonical"
	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/phi"
)

type fakeProposer struct {
	name      string
	available bool
	spec      mapping.Spec
	err       error
	calls     int
}

func (f *fakeProposer) Name() string      { return f.name }
func (f *fakeProposer) IsAvailable() bool { return f.available }

func (f *fakeProposer) ProposeMappingSpec(_ context.Context, _ phi.SafeContext) (mapping.Spec, error) {
	f.calls++
	return f.spec, f.err
}

func (f *fakeProposer) CorrectMappingSpec(_ context.Context, _ phi.SafeContext, _ mapping.Spec, _ mapping.Feedback) (mapping.Spec, error) {
	f.calls++
	return f.spec, f.err
}

func validChainSpec(vendor string) mapping.Spec {
	return mapping.Spec{
		Version:      1,
		Revision:     1,
		SourceVendor: vendor,
		EntityMappings: []mapping.EntityMapping{
			{
				SourceEntity:  "patients",
				CanonicalType: canonical.EntityPatient,
				FieldMappings: []mapping.FieldMapping{
					{SourceField: "FirstName", TargetField: "firstName", Transform: mapping.TransformTrim, Confidence: 0.9},
				},
			},
		},
	}
}

func TestProposerChain_UsesFirstAvailable(t *testing.T) {
	first := &fakeProposer{name: "first", available: true, spec: validChainSpec("dentrix")}
	second := &fakeProposer{name: "second", available: true, spec: validChainSpec("other")}
	chain := NewProposerChain(zerolog.Nop(), first, second)

	spec, err := chain.ProposeMappingSpec(context.Background(), phi.SafeContext{})
	if err != nil {
		t.Fatalf("ProposeMappingSpec: %v", err)
	}
	if spec.SourceVendor != "dentrix" {
		t.Errorf("spec came from %q, want first proposer", spec.SourceVendor)
	}
	if second.calls != 0 {
		t.Errorf("second proposer called %d times, want 0", second.calls)
	}
}

func TestProposerChain_SkipsUnavailable(t *testing.T) {
	first := &fakeProposer{name: "first", available: false, spec: validChainSpec("dentrix")}
	second := &fakeProposer{name: "second", available: true, spec: validChainSpec("other")}
	chain := NewProposerChain(zerolog.Nop(), first, second)

	spec, err := chain.ProposeMappingSpec(context.Background(), phi.SafeContext{})
	if err != nil {
		t.Fatalf("ProposeMappingSpec: %v", err)
	}
	if spec.SourceVendor != "other" {
		t.Errorf("spec came from %q, want second proposer", spec.SourceVendor)
	}
	if first.calls != 0 {
		t.Errorf("unavailable proposer called %d times", first.calls)
	}
}

func TestProposerChain_SkipsErrors(t *testing.T) {
	first := &fakeProposer{name: "first", available: true, err: errors.New("model timeout")}
	second := &fakeProposer{name: "second", available: true, spec: validChainSpec("other")}
	chain := NewProposerChain(zerolog.Nop(), first, second)

	spec, err := chain.ProposeMappingSpec(context.Background(), phi.SafeContext{})
	if err != nil {
		t.Fatalf("ProposeMappingSpec: %v", err)
	}
	if spec.SourceVendor != "other" {
		t.Errorf("spec came from %q, want second proposer", spec.SourceVendor)
	}
}

func TestProposerChain_SkipsStructurallyInvalidSpecs(t *testing.T) {
	bad := validChainSpec("dentrix")
	bad.EntityMappings[0].FieldMappings[0].Confidence = 1.5

	first := &fakeProposer{name: "first", available: true, spec: bad}
	second := &fakeProposer{name: "second", available: true, spec: validChainSpec("other")}
	chain := NewProposerChain(zerolog.Nop(), first, second)

	spec, err := chain.ProposeMappingSpec(context.Background(), phi.SafeContext{})
	if err != nil {
		t.Fatalf("ProposeMappingSpec: %v", err)
	}
	if spec.SourceVendor != "other" {
		t.Errorf("spec came from %q, want second proposer", spec.SourceVendor)
	}
	if first.calls != 1 {
		t.Errorf("first proposer called %d times, want 1", first.calls)
	}
}

func TestProposerChain_AllExhaustedReturnsNoBackend(t *testing.T) {
	first := &fakeProposer{name: "first", available: false}
	second := &fakeProposer{name: "second", available: true, err: errors.New("boom")}
	chain := NewProposerChain(zerolog.Nop(), first, second)

	if _, err := chain.ProposeMappingSpec(context.Background(), phi.SafeContext{}); !errors.Is(err, ErrNoBackend) {
		t.Errorf("error = %v, want ErrNoBackend", err)
	}
	if chain.IsAvailable() != true {
		t.Error("chain with one available proposer should report available")
	}
}

func TestProposerChain_HeuristicFloorAlwaysProducesSpec(t *testing.T) {
	direct := NewDirectProposer(NewDirectClient(DirectConfig{}, zerolog.Nop()))
	openai := NewOpenAIProposer(OpenAIConfig{}, zerolog.Nop())
	chain := NewProposerChain(zerolog.Nop(), direct, openai, NewHeuristicProposer())

	safeCtx := seedSafeContext(t)
	spec, err := chain.ProposeMappingSpec(context.Background(), safeCtx)
	if err != nil {
		t.Fatalf("ProposeMappingSpec: %v", err)
	}
	if problems := spec.Problems(); len(problems) > 0 {
		t.Errorf("chain returned invalid spec: %v", problems)
	}
	if len(spec.EntityMappings) == 0 {
		t.Error("chain returned empty spec")
	}
}

func TestProposerChain_CorrectWalksSameOrder(t *testing.T) {
	first := &fakeProposer{name: "first", available: false}
	second := &fakeProposer{name: "second", available: true, spec: validChainSpec("other")}
	chain := NewProposerChain(zerolog.Nop(), first, second)

	spec, err := chain.CorrectMappingSpec(context.Background(), phi.SafeContext{}, validChainSpec("dentrix"), mapping.Feedback{})
	if err != nil {
		t.Fatalf("CorrectMappingSpec: %v", err)
	}
	if spec.SourceVendor != "other" {
		t.Errorf("spec came from %q", spec.SourceVendor)
	}
	if first.calls != 0 || second.calls != 1 {
		t.Errorf("calls = %d/%d, want 0/1", first.calls, second.calls)
	}
}
