package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lmsbridge.org/internal/sso"
)

const (
	signatureField       = "request_signature"
	legacySignatureField = "signature"
	retryAfterSeconds    = "5"
)

type loginNotifyResponse struct {
	RedirectURL string `json:"redirect_url"`
	Token       string `json:"token"`
	ExpiresAt   string `json:"expires_at"`
}

// LoginNotify accepts a signed login notification and returns the redirect
// the source system should send its user to.
func (a *API) LoginNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	at := attemptFrom(r)
	n, err := decodeNotification(r)
	if err != nil {
		a.svc.RecordRejected(r.Context(), sso.FlowLoginNotify, at, fmt.Errorf("%w: %v", sso.ErrInvalidInput, err))
		writeError(w, r, http.StatusBadRequest, "invalid_request")
		return
	}

	grant, err := a.svc.NotifyLogin(r.Context(), n, at)
	if err != nil {
		switch {
		case errors.Is(err, sso.ErrStorageUnavailable):
			unavailable(w, r)
		case errors.Is(err, sso.ErrInvalidClientSignature):
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
		case errors.Is(err, sso.ErrUnknownAccount):
			writeError(w, r, http.StatusNotFound, "unknown_account")
		default:
			writeError(w, r, http.StatusBadRequest, "invalid_request")
		}
		return
	}
	writeJSON(w, http.StatusOK, loginNotifyResponse{
		RedirectURL: grant.RedirectURL,
		Token:       grant.Token,
		ExpiresAt:   grant.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// AuthRedirect verifies the token and sends the browser to the destination.
// Every terminal failure lands on the same generic error page.
func (a *API) AuthRedirect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet, http.MethodHead)
		return
	}
	uid := r.PathValue("unique_id")
	red, err := a.svc.Authenticate(r.Context(), uid, r.URL.Query().Get("token"), attemptFrom(r))
	if err != nil {
		if errors.Is(err, sso.ErrStorageUnavailable) {
			unavailable(w, r)
			return
		}
		http.Redirect(w, r, a.errorURL, http.StatusFound)
		return
	}
	http.Redirect(w, r, red.URL, http.StatusFound)
}

const errorPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Sign-in failed</title></head>
<body style="font-family:sans-serif;max-width:32em;margin:4em auto">
<h1>Sign-in failed</h1>
<p>This sign-in link is not valid. Please return to the member site and open the learning portal again.</p>
</body></html>
`

// ErrorPage is the generic landing page for failed authentications.
func (a *API) ErrorPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet, http.MethodHead)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = io.WriteString(w, errorPage)
}

// DestinationCallback acknowledges a post-login confirmation from the
// destination. It only records the attempt.
func (a *API) DestinationCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	params := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			params = r.Form
		}
	}
	a.svc.DestinationCallback(r.Context(), params, attemptFrom(r))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func unavailable(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", retryAfterSeconds)
	writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable")
}

func attemptFrom(r *http.Request) sso.Attempt {
	return sso.Attempt{
		SourceIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: RequestIDFromContext(r.Context()),
	}
}

// decodeNotification reads a JSON object or a urlencoded form. JSON scalars
// keep their literal text and both encodings keep the order fields were sent
// in, so the canonical form matches what the sender signed.
func decodeNotification(r *http.Request) (sso.Notification, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		fields url.Values
		order  []string
		err    error
	)
	switch mediaType {
	case "application/x-www-form-urlencoded":
		fields, order, err = decodeFormFields(r.Body)
	default:
		fields, order, err = decodeJSONFields(r.Body)
	}
	if err != nil {
		return sso.Notification{}, err
	}

	sig := strings.TrimSpace(fields.Get(signatureField))
	if sig == "" {
		sig = strings.TrimSpace(fields.Get(legacySignatureField))
	}
	fields.Del(signatureField)
	fields.Del(legacySignatureField)
	return sso.Notification{Fields: fields, Order: order, Signature: sig}, nil
}

func decodeFormFields(body io.Reader) (url.Values, []string, error) {
	if body == nil {
		return nil, nil, errors.New("request body is required")
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, err
	}
	fields, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, nil, err
	}
	var order []string
	seen := make(map[string]bool, len(fields))
	for _, pair := range strings.Split(string(raw), "&") {
		key, _, _ := strings.Cut(pair, "=")
		if key, err = url.QueryUnescape(key); err != nil || key == "" || seen[key] {
			continue
		}
		seen[key] = true
		order = append(order, key)
	}
	return fields, order, nil
}

func decodeJSONFields(body io.Reader) (url.Values, []string, error) {
	if body == nil {
		return nil, nil, errors.New("request body is required")
	}
	dec := json.NewDecoder(body)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, errors.New("request body is required")
		}
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, errors.New("request body must be a JSON object")
	}

	fields := url.Values{}
	var order []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := tok.(string)
		val, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		var v string
		switch t := val.(type) {
		case string:
			v = t
		case json.Number:
			v = t.String()
		case bool:
			v = strconv.FormatBool(t)
		default:
			return nil, nil, fmt.Errorf("field %q must be a string, number or boolean", key)
		}
		if _, dup := fields[key]; !dup {
			order = append(order, key)
		}
		fields.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, nil, errors.New("unexpected data after JSON body")
		}
		return nil, nil, err
	}
	return fields, order, nil
}
