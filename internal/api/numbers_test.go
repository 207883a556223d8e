package api

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "447700900111", want: "447700900111"},
		{in: "+44 7700 900111", want: "447700900111"},
		{in: " (555) 010-2030 ", want: "5550102030"},
		{in: "1.202.555.0100", want: "12025550100"},
		{in: "", wantErr: true},
		{in: "12345", wantErr: true},
		{in: "1234567890123456", wantErr: true},
		{in: "44770090011x", wantErr: true},
		{in: "++447700900111", wantErr: true},
	}

	for _, tt := range tests {
		got, err := NormalizeNumber(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidNumber) {
				t.Errorf("NormalizeNumber(%q) error = %v, want ErrInvalidNumber", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeNumber(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseNumberList(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		content     string
		want        []string
		wantErr     error
	}{
		{
			name:        "plain lines",
			contentType: "text/plain; charset=utf-8",
			content:     "111111\r\n  222222 \n\n333333",
			want:        []string{"111111", "222222", "333333"},
		},
		{
			name:    "missing content type is plain",
			content: "111111\n",
			want:    []string{"111111"},
		},
		{
			name:        "csv without header",
			contentType: "text/csv",
			content:     "111111,a\n222222,b\n",
			want:        []string{"111111", "222222"},
		},
		{
			name:        "csv with header and ragged rows",
			contentType: "text/csv",
			content:     "number\n111111,a,b\n,\n222222\n",
			want:        []string{"111111", "222222"},
		},
		{
			name:        "unsupported",
			contentType: "image/png",
			content:     "x",
			wantErr:     ErrUnsupportedListType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNumberList(strings.NewReader(tt.content), tt.contentType)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseNumberList failed: %v", err)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
