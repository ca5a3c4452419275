package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstolbov/viewboost/models"
)

func TestParseVideoURL(t *testing.T) {
	cases := []struct {
		raw      string
		wantID   string
		wantType models.VideoType
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", models.VideoTypeStandard},
		{"https://youtube.com/watch?v=dQw4w9WgXcQ&t=42s", "dQw4w9WgXcQ", models.VideoTypeStandard},
		{"https://m.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", models.VideoTypeStandard},
		{"https://music.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", models.VideoTypeStandard},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ", models.VideoTypeStandard},
		{"https://youtu.be/dQw4w9WgXcQ?si=abc", "dQw4w9WgXcQ", models.VideoTypeStandard},
		{"https://www.youtube.com/shorts/abc123XYZ_-", "abc123XYZ_-", models.VideoTypeShorts},
		{"https://www.youtube.com/live/xyz789", "xyz789", models.VideoTypeLive},
		{"  https://www.youtube.com/watch?v=dQw4w9WgXcQ  ", "dQw4w9WgXcQ", models.VideoTypeStandard},
	}

	for _, tc := range cases {
		ref, err := ParseVideoURL(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.wantID, ref.ID, tc.raw)
		assert.Equal(t, tc.wantType, ref.Type, tc.raw)
	}
}

func TestParseVideoURLRejected(t *testing.T) {
	cases := []string{
		"https://vimeo.com/12345",
		"https://www.youtube.com/watch",
		"https://www.youtube.com/channel/UCabc",
		"https://youtu.be/",
		"ftp://youtube.com/watch?v=abc",
		"not a url at all",
		"",
	}

	for _, raw := range cases {
		_, err := ParseVideoURL(raw)
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, ErrUnsupportedURL, raw)
	}
}
