package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jkoelker/ffsclient/kdf"
)

const (
	hawkNonceSize = 5

	// hawkTokenSize is the HKDF output for a token: id, auth key, bundle key.
	hawkTokenSize = 3 * kdf.KeySize
)

// Hawk signs requests with Hawk credentials.
type Hawk struct {
	ID  string
	Key []byte

	// Ext is optional application data covered by the MAC.
	Ext string
}

// TokenHawk derives Hawk credentials from a Firefox Accounts token. The
// returned bundle key decrypts bundles in responses authorized by it.
func TokenHawk(token []byte, tokenType string) (Hawk, []byte, error) {
	material, err := kdf.Expand(token, tokenType, hawkTokenSize)
	if err != nil {
		return Hawk{}, nil, fmt.Errorf("failed to derive %s credentials: %w", tokenType, err)
	}

	return Hawk{
		ID:  hex.EncodeToString(material[:kdf.KeySize]),
		Key: material[kdf.KeySize : 2*kdf.KeySize],
	}, material[2*kdf.KeySize:], nil
}

// Sign sets the Authorization header of req. The body must be what will be
// sent; it is only hashed when non-empty.
func (h Hawk) Sign(req *http.Request, body []byte) error {
	nonce := make([]byte, hawkNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate hawk nonce: %w", err)
	}

	req.Header.Set("Authorization", h.header(
		req.Method,
		req.URL,
		req.Header.Get("Content-Type"),
		body,
		time.Now().Unix(),
		base64.StdEncoding.EncodeToString(nonce),
	))

	return nil
}

func (h Hawk) header(method string, target *url.URL, contentType string, body []byte, ts int64, nonce string) string {
	hash := ""
	if method != http.MethodGet && len(body) > 0 {
		hash = payloadHash(contentType, body)
	}

	stamp := strconv.FormatInt(ts, 10)
	mac := h.mac(strings.Join([]string{
		"hawk.1.header",
		stamp,
		nonce,
		method,
		target.RequestURI(),
		strings.ToLower(target.Hostname()),
		port(target),
		hash,
		h.Ext,
		"",
	}, "\n"))

	var b strings.Builder

	fmt.Fprintf(&b, `Hawk id=%q, ts=%q, nonce=%q`, h.ID, stamp, nonce)

	if hash != "" {
		fmt.Fprintf(&b, `, hash=%q`, hash)
	}

	if h.Ext != "" {
		fmt.Fprintf(&b, `, ext=%q`, h.Ext)
	}

	fmt.Fprintf(&b, `, mac=%q`, mac)

	return b.String()
}

func (h Hawk) mac(normalized string) string {
	m := hmac.New(sha256.New, h.Key)
	m.Write([]byte(normalized))

	return base64.StdEncoding.EncodeToString(m.Sum(nil))
}

func payloadHash(contentType string, body []byte) string {
	// Parameters such as charset are not part of the hashed content type.
	mediaType, _, _ := strings.Cut(contentType, ";")

	sum := sha256.New()
	sum.Write([]byte("hawk.1.payload\n" + strings.ToLower(strings.TrimSpace(mediaType)) + "\n"))
	sum.Write(body)
	sum.Write([]byte("\n"))

	return base64.StdEncoding.EncodeToString(sum.Sum(nil))
}

func port(target *url.URL) string {
	if p := target.Port(); p != "" {
		return p
	}

	if target.Scheme == "http" {
		return "80"
	}

	return "443"
}
