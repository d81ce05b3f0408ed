package source

import (
	"errors"
	"testing"

	"github.com/ehr/migrate/internal/platform/artifact"
)

func TestRegistry_For(t *testing.T) {
	registry := NewRegistry(artifact.NewMemStore(), &fakeExecutor{}, &fakeSchemaReader{ok: true}, []byte("secret"))

	adapter, err := registry.For("dentrix", KindFlatFile)
	if err != nil {
		t.Fatalf("For flatfile: %v", err)
	}
	if _, ok := adapter.(*FlatFileAdapter); !ok {
		t.Errorf("got %T, want *FlatFileAdapter", adapter)
	}

	adapter, err = registry.For("curve", KindGraphQL)
	if err != nil {
		t.Fatalf("For graphql: %v", err)
	}
	if _, ok := adapter.(*GraphQLAdapter); !ok {
		t.Errorf("got %T, want *GraphQLAdapter", adapter)
	}

	if _, err := registry.For("x", Kind("sftp")); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown kind error = %v", err)
	}
}

func TestRegistry_GraphQLNeedsExecutor(t *testing.T) {
	registry := NewRegistry(artifact.NewMemStore(), nil, nil, nil)
	if _, err := registry.For("curve", KindGraphQL); !errors.Is(err, ErrNoVerifiedQueries) {
		t.Errorf("error = %v, want ErrNoVerifiedQueries", err)
	}
}

func TestEntityNameFromKey(t *testing.T) {
	cases := map[string]string{
		"patients.csv":            "patients",
		"exports/2025/appts.xlsx": "appts",
		"invoices.json":           "invoices",
		"noext":                   "noext",
	}
	for key, want := range cases {
		if got := entityNameFromKey(key); got != want {
			t.Errorf("entityNameFromKey(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestFormatDistribution(t *testing.T) {
	if got := FormatDistribution(120, 123, 45); got != "120/123 non-null, 45 unique" {
		t.Errorf("FormatDistribution = %q", got)
	}
}
