package tcp

import (
	"net/http"
)

// Do - http.Client with support Digest Authorization. Request body must be
// replayable (http.NewRequest with bytes.Reader sets GetBody). On the first 401
// with a Digest challenge and a known password, request is repeated once.
// The second response is returned as is, so caller sees the final status.
func Do(client *http.Client, req *http.Request, auth *Auth) (*http.Response, error) {
	if header := auth.Header(req.Method, req.URL.RequestURI()); header != "" {
		req.Header.Set("Authorization", header)
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode != http.StatusUnauthorized || auth.Password() == "" {
		return res, nil
	}

	if !auth.Read(res.Header.Get("WWW-Authenticate")) {
		return res, nil
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		if retry.Body, err = req.GetBody(); err != nil {
			return nil, err
		}
	}
	retry.Header.Set("Authorization", auth.Header(req.Method, req.URL.RequestURI()))

	_ = res.Body.Close()

	return client.Do(retry)
}
