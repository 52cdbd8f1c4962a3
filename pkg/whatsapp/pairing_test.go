package whatsapp

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestPublishQR(t *testing.T) {
	dir := t.TempDir()
	artifacts := PairingArtifacts{QRImagePath: filepath.Join(dir, "nested", "qr.png")}

	require.NoError(t, artifacts.PublishQR("2@first-code"))
	first, err := os.ReadFile(artifacts.QRImagePath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(first, pngMagic))

	require.NoError(t, artifacts.PublishQR("2@second-code-that-differs"))
	second, err := os.ReadFile(artifacts.QRImagePath)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	entries, err := os.ReadDir(filepath.Dir(artifacts.QRImagePath))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestPublishPairingCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing-code.txt")
	artifacts := PairingArtifacts{PairingCodePath: path}

	require.NoError(t, artifacts.PublishPairingCode("ABCD-EFGH"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-EFGH\n", string(data))
}

func TestPublishWithoutPathIsNoop(t *testing.T) {
	var artifacts PairingArtifacts
	assert.NoError(t, artifacts.PublishQR("code"))
	assert.NoError(t, artifacts.PublishPairingCode("code"))
}
