package gcpmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const computeScope = "https://www.googleapis.com/auth/compute"

// serviceAccountKey is the subset of a GCP service-account JSON key file
// needed to mint a self-signed JWT-bearer assertion.
type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// jwtBearerTokenSource exchanges a self-signed RS256 JWT assertion for an
// OAuth2 access token via the service account token endpoint, without
// depending on any Google Cloud client library.
type jwtBearerTokenSource struct {
	key        *serviceAccountKey
	httpClient *http.Client
}

// NewServiceAccountTokenSource builds an oauth2.TokenSource backed by the
// JWT-bearer grant flow, reading the service account key from keyPath.
func NewServiceAccountTokenSource(keyPath string, httpClient *http.Client) (oauth2.TokenSource, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("gcpmonitor: reading service account key: %w", err)
	}

	var key serviceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("gcpmonitor: parsing service account key: %w", err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" || key.TokenURI == "" {
		return nil, fmt.Errorf("gcpmonitor: service account key missing client_email/private_key/token_uri")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	src := &jwtBearerTokenSource{key: &key, httpClient: httpClient}
	return oauth2.ReuseTokenSource(nil, src), nil
}

func (s *jwtBearerTokenSource) Token() (*oauth2.Token, error) {
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.key.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("gcpmonitor: parsing service account private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   s.key.ClientEmail,
		"scope": computeScope,
		"aud":   s.key.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	assertion, err := token.SignedString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("gcpmonitor: signing JWT assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequest(http.MethodPost, s.key.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gcpmonitor: exchanging JWT assertion: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gcpmonitor: token exchange returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("gcpmonitor: decoding token response: %w", err)
	}

	return &oauth2.Token{
		AccessToken: body.AccessToken,
		TokenType:   body.TokenType,
		Expiry:      now.Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// workloadIdentityTokenSource fetches an access token from the GCE
// metadata server for the instance's attached service account.
type workloadIdentityTokenSource struct {
	client *metadata.Client
}

// NewWorkloadIdentityTokenSource builds a token source that reads from the
// GCE metadata server, for use when running on a GCE instance or GKE node
// with an attached service account instead of a downloaded key file.
func NewWorkloadIdentityTokenSource() oauth2.TokenSource {
	src := &workloadIdentityTokenSource{client: metadata.NewClient(http.DefaultClient)}
	return oauth2.ReuseTokenSource(nil, src)
}

func (s *workloadIdentityTokenSource) Token() (*oauth2.Token, error) {
	raw, err := s.client.GetWithContext(context.Background(), "instance/service-accounts/default/token")
	if err != nil {
		return nil, fmt.Errorf("gcpmonitor: fetching workload identity token: %w", err)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, fmt.Errorf("gcpmonitor: decoding workload identity token: %w", err)
	}

	return &oauth2.Token{
		AccessToken: body.AccessToken,
		TokenType:   body.TokenType,
		Expiry:      time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
