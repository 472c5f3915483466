package histstore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyModify(t *testing.T) {
	tests := []struct {
		name   string
		format ValueFormat
		base   string
		m      Modify
		want   string
	}{
		{"replace", FormatRaw, "abc", Modify{{Data: []byte("x"), Offset: 0, Size: 1}}, "xbc"},
		{"append", FormatRaw, "xbc", Modify{{Data: []byte("!"), Offset: 3, Size: 0}}, "xbc!"},
		{"grow in the middle", FormatRaw, "abc", Modify{{Data: []byte("XYZ"), Offset: 1, Size: 1}}, "aXYZc"},
		{"shrink", FormatRaw, "abcdef", Modify{{Data: []byte("-"), Offset: 1, Size: 4}}, "a-f"},
		{"size past end", FormatRaw, "abc", Modify{{Data: []byte("Z"), Offset: 2, Size: 10}}, "abZ"},
		{"pad raw", FormatRaw, "ab", Modify{{Data: []byte("z"), Offset: 4, Size: 0}}, "ab\x00\x00z"},
		{"pad string", FormatString, "ab\x00", Modify{{Data: []byte("z"), Offset: 4, Size: 0}}, "ab  z\x00"},
		{"string replace keeps terminator", FormatString, "abc\x00", Modify{{Data: []byte("Q"), Offset: 1, Size: 1}}, "aQc\x00"},
		{"several entries in order", FormatRaw, "hello", Modify{
			{Data: []byte("J"), Offset: 0, Size: 1},
			{Data: []byte("y"), Offset: 4, Size: 1},
		}, "Jelly"},
		{"empty base", FormatRaw, "", Modify{{Data: []byte("new"), Offset: 0, Size: 0}}, "new"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyModify(tt.format, []byte(tt.base), tt.m)
			require.NoError(t, err)
			require.Equal(t, tt.want, string(got))
		})
	}
}

func TestApplyModifyRejectsNegative(t *testing.T) {
	_, err := ApplyModify(FormatRaw, []byte("abc"), Modify{{Offset: -1}})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestApplyModifyCorruptEntries(t *testing.T) {
	// A size running past the end is clamped to the end of the value.
	got, err := ApplyModify(FormatRaw, []byte("abc"), Modify{{Data: []byte("x"), Offset: 1, Size: math.MaxInt64}})
	require.NoError(t, err)
	require.Equal(t, "ax", string(got))

	for _, off := range []int{math.MaxInt64, 3 + maxModifyPadding + 1} {
		_, err := ApplyModify(FormatRaw, []byte("abc"), Modify{{Data: []byte("x"), Offset: off}})
		require.ErrorIs(t, err, ErrInvalidArgument, "offset %d", off)
	}

	got, err = ApplyModify(FormatRaw, []byte("abc"), Modify{{Data: []byte("z"), Offset: 3 + maxModifyPadding}})
	require.NoError(t, err)
	require.Len(t, got, 3+maxModifyPadding+1)
}

func TestDefaultApplier(t *testing.T) {
	payload := EncodeModify(Modify{
		{Data: []byte("x"), Offset: 0, Size: 1},
		{Data: []byte("!"), Offset: 3, Size: 0},
	})
	got, err := DefaultApplier{}.Apply(FormatRaw, []byte("abc"), payload)
	require.NoError(t, err)
	require.Equal(t, "xbc!", string(got))

	m, err := DecodeModify(payload)
	require.NoError(t, err)
	require.Len(t, m, 2)
	require.Equal(t, 3, m[1].Offset)
}

func TestDecodeModifyMalformed(t *testing.T) {
	for name, p := range map[string][]byte{
		"empty":          nil,
		"count too big":  {0x05},
		"truncated data": EncodeModify(Modify{{Data: []byte("abcdef")}})[:5],
		"trailing bytes": append(EncodeModify(Modify{{Data: []byte("a")}}), 0x00),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeModify(p)
			require.Error(t, err)
		})
	}
}
