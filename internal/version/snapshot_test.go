package version

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotID(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"https://datamillnorth.org/download/2o13g/c476394e-8294-4c15-b1ff-44d32e6809c2/15.02.2024.xlsx", "15022024"},
		{".../15.02.2024.xlsx", "15022024"},
		{"register-01.12.2023-final-02.01.2024.xlsx", "01122023"},
		// Calendar validity is deliberately not checked.
		{"/99.99.9999.xlsx", "99999999"},
		{"/20240215/115.02.20245.xlsx", "15022024"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := SnapshotID(tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSnapshotID_Malformed(t *testing.T) {
	for _, ref := range []string{
		"",
		"https://datamillnorth.org/download/2o13g/latest.xlsx",
		"/2024-02-15.xlsx",
		"/15.2.2024.xlsx",
		"/15.02.24.xlsx",
	} {
		t.Run(ref, func(t *testing.T) {
			_, err := SnapshotID(ref)
			require.Error(t, err)
			assert.True(t, eris.Is(err, ErrMalformedVersionReference))
		})
	}
}
