package swmr

import (
	"testing"
	"time"
)

func Test_Options_Defaults_Force_A_Positive_TickLen(t *testing.T) {
	t.Parallel()

	// Both open paths default a zero TickLen, so the retry loop can
	// rely on a positive tick everywhere.
	for _, adoptLayout := range []bool{true, false} {
		opts := Options{Path: "x"}.withDefaults(adoptLayout)

		if opts.TickLen != defaultTickLen {
			t.Fatalf("adoptLayout=%v: tick len = %s, want %s", adoptLayout, opts.TickLen, defaultTickLen)
		}

		if opts.MaxLag != defaultMaxLag {
			t.Fatalf("adoptLayout=%v: max lag = %d, want %d", adoptLayout, opts.MaxLag, defaultMaxLag)
		}
	}
}

func Test_Options_Validate_Rejects_Negative_TickLen(t *testing.T) {
	t.Parallel()

	err := Options{Path: "x", TickLen: -time.Millisecond}.validate()
	if err == nil {
		t.Fatal("negative tick len passed validation")
	}
}

func Test_Options_Layout_Defaults_Depend_On_Adoption(t *testing.T) {
	t.Parallel()

	// Readers (and writers opening an existing file) leave zero layout
	// fields zero so the file's own layout wins.
	adopted := Options{Path: "x"}.withDefaults(true)
	if adopted.PageSize != 0 || adopted.MetadataPages != 0 {
		t.Fatalf("adopting open defaulted layout: page_size=%d md_pages=%d", adopted.PageSize, adopted.MetadataPages)
	}

	// Writers creating a fresh file default the full layout.
	fresh := Options{Path: "x"}.withDefaults(false)
	if fresh.PageSize != defaultPageSize || fresh.MetadataPages != defaultMetadataPages {
		t.Fatalf("creating open layout: page_size=%d md_pages=%d", fresh.PageSize, fresh.MetadataPages)
	}
}
