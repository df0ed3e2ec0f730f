package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"os"

	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

// chunkSize bounds hashing memory regardless of file size.
const chunkSize = 32 << 10

// HashEqual performs constant-time comparison of two hex-encoded hashes.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256Reader streams r through SHA-256 in fixed-size chunks and returns the
// lowercase hex digest and the number of bytes read. On a read error the
// digest is always empty.
func SHA256Reader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(h, onlyReader{r}, buf)
	if err != nil {
		return "", n, xerrors.Wrap(err, "read content")
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SHA256File hashes the file at path. Errors keep fs.ErrNotExist and friends
// reachable through errors.Is.
func SHA256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, xerrors.Wrap(err, "open for hashing")
	}
	defer f.Close()

	sum, n, err := SHA256Reader(f)
	if err != nil {
		return "", n, xerrors.Wrapf(err, "hash %s", path)
	}
	return sum, n, nil
}

// onlyReader hides WriterTo/ReaderFrom so io.CopyBuffer really uses buf.
type onlyReader struct{ io.Reader }
