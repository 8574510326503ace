package qr

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBase64_ProducesPNG(t *testing.T) {
	out, err := EncodeBase64("2@abc,def,ghi==")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(out)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, DefaultSize, img.Bounds().Dx())
}

func TestEncodePNG_RejectsEmpty(t *testing.T) {
	_, err := EncodePNG("", 0)
	assert.Error(t, err)
}
