package isapi

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// DigestAuth holds the per-target RFC 7616 challenge state. Hikvision
// firmwares commonly reject Basic auth, so Digest is the working path for
// both the alert stream and device provisioning.
//
// Supported: qop=auth and algorithms MD5 / MD5-sess / SHA-256 / SHA-256-sess.
type DigestAuth struct {
	Username string
	Password string

	mu        sync.Mutex
	realm     string
	nonce     string
	opaque    string
	algorithm string
	qop       string
	nc        uint32
	cnonce    string
}

// ErrNoChallenge is returned when an Authorization header is requested
// before any server challenge was seen.
var ErrNoChallenge = errors.New("isapi: digest state not initialized from server challenge")

var challengeTokenRe = regexp.MustCompile(`(\w+)=("[^"]*"|[^,]+)`)

// NewDigestAuth creates digest state for one device.
func NewDigestAuth(username, password string) *DigestAuth {
	return &DigestAuth{Username: username, Password: password, algorithm: "MD5"}
}

// parseChallenge parses a WWW-Authenticate: Digest header value.
func parseChallenge(header string) map[string]string {
	hv := strings.TrimSpace(header)
	if strings.HasPrefix(strings.ToLower(hv), "digest ") {
		hv = hv[7:]
	}
	out := make(map[string]string)
	for _, m := range challengeTokenRe.FindAllStringSubmatch(hv, -1) {
		k := strings.ToLower(m[1])
		v := strings.TrimSpace(m[2])
		v = strings.Trim(v, `"`)
		out[k] = v
	}
	return out
}

// UpdateFromChallenge absorbs a WWW-Authenticate header. A stale=true
// challenge resets the nonce count. Returns false when the header does not
// carry a usable Digest challenge.
func (d *DigestAuth) UpdateFromChallenge(wwwAuthenticate string) bool {
	params := parseChallenge(wwwAuthenticate)
	if params["nonce"] == "" || params["realm"] == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.realm = params["realm"]
	d.nonce = params["nonce"]
	d.opaque = params["opaque"]
	d.algorithm = strings.ToUpper(textOr(params["algorithm"], "MD5"))
	d.qop = selectQop(params["qop"])

	if strings.EqualFold(params["stale"], "true") {
		d.nc = 0
	}
	return true
}

// Reset clears the challenge state; used when the alert-stream reconnects.
func (d *DigestAuth) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.realm, d.nonce, d.opaque, d.qop, d.cnonce = "", "", "", "", ""
	d.algorithm = "MD5"
	d.nc = 0
}

func selectQop(value string) string {
	if value == "" {
		return ""
	}
	items := strings.Split(value, ",")
	first := ""
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "auth" {
			return "auth"
		}
		if first == "" && item != "" {
			first = item
		}
	}
	return first
}

func digestHash(algorithm, data string) string {
	switch strings.ToUpper(algorithm) {
	case "SHA-256", "SHA-256-SESS":
		sum := sha256.Sum256([]byte(data))
		return hex.EncodeToString(sum[:])
	default: // MD5, MD5-SESS and anything unrecognized
		sum := md5.Sum([]byte(data))
		return hex.EncodeToString(sum[:])
	}
}

func newCnonce() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// AuthorizationHeader builds the Authorization value for one request,
// incrementing the nonce count.
func (d *DigestAuth) AuthorizationHeader(method, rawURL string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.realm == "" || d.nonce == "" {
		return "", ErrNoChallenge
	}

	uri := "/"
	if parsed, err := url.Parse(rawURL); err == nil {
		if parsed.Path != "" {
			uri = parsed.Path
		}
		if parsed.RawQuery != "" {
			uri += "?" + parsed.RawQuery
		}
	}

	d.nc++
	ncValue := fmt.Sprintf("%08x", d.nc)
	if d.cnonce == "" {
		d.cnonce = newCnonce()
	}

	alg := d.algorithm
	ha1 := digestHash(alg, fmt.Sprintf("%s:%s:%s", d.Username, d.realm, d.Password))
	if strings.HasSuffix(alg, "-SESS") {
		ha1 = digestHash(alg, fmt.Sprintf("%s:%s:%s", ha1, d.nonce, d.cnonce))
	}
	ha2 := digestHash(alg, fmt.Sprintf("%s:%s", strings.ToUpper(method), uri))

	var response string
	if d.qop != "" {
		response = digestHash(alg, fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, d.nonce, ncValue, d.cnonce, d.qop, ha2))
	} else {
		response = digestHash(alg, fmt.Sprintf("%s:%s:%s", ha1, d.nonce, ha2))
	}

	items := []string{
		fmt.Sprintf(`username="%s"`, d.Username),
		fmt.Sprintf(`realm="%s"`, d.realm),
		fmt.Sprintf(`nonce="%s"`, d.nonce),
		fmt.Sprintf(`uri="%s"`, uri),
		fmt.Sprintf(`response="%s"`, response),
	}
	if d.opaque != "" {
		items = append(items, fmt.Sprintf(`opaque="%s"`, d.opaque))
	}
	items = append(items, "algorithm="+alg)
	if d.qop != "" {
		items = append(items,
			"qop="+d.qop,
			"nc="+ncValue,
			fmt.Sprintf(`cnonce="%s"`, d.cnonce),
		)
	}

	return "Digest " + strings.Join(items, ", "), nil
}
