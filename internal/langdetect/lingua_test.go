package langdetect

import "testing"

func TestDetectEnglishHeadline(t *testing.T) {
	t.Parallel()

	got := Detect("Insurers brace for record hurricane losses as reinsurance renewals approach")
	if got != "en" {
		t.Fatalf("unexpected language: %q", got)
	}
}

func TestDetectSpanishHeadline(t *testing.T) {
	t.Parallel()

	got := Detect("Las aseguradoras enfrentan pérdidas récord por el huracán en la costa de México")
	if got != "es" {
		t.Fatalf("unexpected language: %q", got)
	}
}

func TestDetectShortTextIsUnknown(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "  ", "AIG", "Q3 2024"} {
		if got := Detect(in); got != "" {
			t.Fatalf("expected empty code for %q, got %q", in, got)
		}
	}
}
