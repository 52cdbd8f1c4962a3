package whatsapp

import (
	"fmt"
	"os"
	"path/filepath"

	qrCode "github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// PairingArtifacts publishes pairing material to files an operator can open.
type PairingArtifacts struct {
	QRImagePath     string
	PairingCodePath string
}

// PublishQR renders code as a PNG and replaces the previous image atomically.
func (p PairingArtifacts) PublishQR(code string) error {
	if p.QRImagePath == "" {
		return nil
	}
	png, err := qrCode.Encode(code, qrCode.Medium, qrImageSize)
	if err != nil {
		return fmt.Errorf("encode pairing QR: %w", err)
	}
	return writeFileAtomic(p.QRImagePath, png)
}

// PublishPairingCode stores the phone linking code next to the QR image.
func (p PairingArtifacts) PublishPairingCode(code string) error {
	if p.PairingCodePath == "" {
		return nil
	}
	return writeFileAtomic(p.PairingCodePath, []byte(code+"\n"))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
