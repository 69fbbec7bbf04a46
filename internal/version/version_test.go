package version

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Version
		wantErr bool
	}{
		{"4.2.1", Version{4, 2, 1}, false},
		{"2.12", Version{2, 12, 0}, false},
		{"5", Version{5, 0, 0}, false},
		{" 4.2.1 ", Version{4, 2, 1}, false},
		{"1.2.3.4", Version{}, true},
		{"abc", Version{}, true},
		{"", Version{}, true},
	}

	for _, tt := range tests {
		v, err := Parse(tt.in)

		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): error expected", tt.in)
			}

			continue
		}

		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %s", tt.in, err)

			continue
		}

		if v != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, v, tt.want)
		}
	}
}

func TestAtLeast(t *testing.T) {
	tests := []struct {
		v, o Version
		want bool
	}{
		{New(4, 2, 0), New(2, 12, 0), true},
		{New(2, 12, 0), New(2, 12, 0), true},
		{New(2, 11, 5), New(2, 12, 0), false},
		{New(3, 0, 0), New(2, 99, 99), true},
	}

	for _, tt := range tests {
		if got := tt.v.AtLeast(tt.o); got != tt.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", tt.v, tt.o, got, tt.want)
		}
	}
}

func TestInt(t *testing.T) {
	if v := New(2, 12, 1).Int(); v != 21201 {
		t.Errorf("unexpected packed version: %d", v)
	}

	if New(4, 2, 0).String() != "4.2.0" {
		t.Errorf("unexpected string form: %s", New(4, 2, 0))
	}
}
