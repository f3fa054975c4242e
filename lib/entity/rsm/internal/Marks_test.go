package internal

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeMarks(t *testing.T) {
	tests := []struct {
		name  string
		marks []Mark
	}{
		{"Empty", []Mark{}},
		{"Single", []Mark{{CacheID: "orders", Key: 42, HighSeq: 7}}},
		{"Empty cache id and max values", []Mark{{Key: ^uint64(0), HighSeq: ^uint64(0)}, {CacheID: "b", Key: 1, HighSeq: 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMarks(EncodeMarks(tt.marks))
			if err != nil {
				t.Fatalf("DecodeMarks() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.marks) {
				t.Errorf("DecodeMarks() = %+v, want %+v", got, tt.marks)
			}
		})
	}
}

func TestDecodeMarksErrors(t *testing.T) {
	full := EncodeMarks([]Mark{{CacheID: "orders", Key: 1, HighSeq: 3}})

	tests := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"Count without marks", full[:4]},
		{"Short mark", full[:len(full)-1]},
		{"Trailing bytes", append(append([]byte{}, full...), 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMarks(tt.data); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
