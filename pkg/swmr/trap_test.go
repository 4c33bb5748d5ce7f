package swmr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFrame assembles a frame buffer the way the fetch path would.
func buildFrame(length uint32, recordGen, nameHash uint64, payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	copy(frame, encodeFrameHeader(length, recordGen, nameHash))
	copy(frame[frmOffPayload:], payload)

	return frame
}

func Test_Trap_Classifies_Matching_Frame_As_OK(t *testing.T) {
	t.Parallel()

	view := resolvedView{heapOffset: 4096, length: 5, recordGen: 1, nameHash: 42}
	frame := buildFrame(5, 1, 42, []byte("hello"))

	result := checkFrame(view, frame)
	require.Equal(t, trapOK, result.kind)
}

func Test_Trap_Classifies_Zeroed_Region_As_OutOfBounds(t *testing.T) {
	t.Parallel()

	// The directory promises a frame but the fetched page image is
	// still the pre-commit (zeroed) heap tail.
	view := resolvedView{heapOffset: 4096, length: 5, recordGen: 1, nameHash: 42}
	frame := make([]byte, frameHeaderSize+5)

	result := checkFrame(view, frame)
	require.Equal(t, trapOutOfBounds, result.kind)
	require.Equal(t, "out of bounds", result.reason)
}

func Test_Trap_Classifies_Mismatches_As_OutOfBounds(t *testing.T) {
	t.Parallel()

	view := resolvedView{heapOffset: 4096, length: 5, recordGen: 2, nameHash: 42}

	cases := []struct {
		name  string
		frame []byte
	}{
		{"length skew", buildFrame(3, 2, 42, []byte("hi\x00\x00\x00"))},
		{"generation skew", buildFrame(5, 1, 42, []byte("hello"))},
		{"name hash skew", buildFrame(5, 2, 43, []byte("hello"))},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			result := checkFrame(view, tc.frame)
			require.Equal(t, trapOutOfBounds, result.kind, "reason: %s", result.reason)
		})
	}
}

func Test_Trap_Classifies_Garbage_Magic_As_Fatal(t *testing.T) {
	t.Parallel()

	view := resolvedView{heapOffset: 4096, length: 5, recordGen: 1, nameHash: 42}

	frame := buildFrame(5, 1, 42, []byte("hello"))
	frame[frmOffMagic] = 0xFF

	result := checkFrame(view, frame)
	require.Equal(t, trapFatal, result.kind)
}

func Test_Trap_Classifies_Short_Buffer_As_Fatal(t *testing.T) {
	t.Parallel()

	view := resolvedView{length: 5}

	result := checkFrame(view, make([]byte, frameHeaderSize-1))
	require.Equal(t, trapFatal, result.kind)
}

func Test_Trap_Is_A_Pure_Classifier(t *testing.T) {
	t.Parallel()

	// Same inputs, same answer; the trap holds no state between calls.
	view := resolvedView{heapOffset: 8192, length: 2, recordGen: 9, nameHash: 7}
	frame := buildFrame(2, 9, 7, []byte("ok"))

	first := checkFrame(view, frame)
	second := checkFrame(view, frame)
	require.Equal(t, first, second)
}
