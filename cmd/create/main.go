// This command is only used for local testing: it requests a token for a
// registered client from a locally running relay and prints the access token,
// so that it can be used directly against the upstream service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/chinmina/chinmina-relay/internal/vendor"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	RelayURL  string `env:"UTIL_RELAY_URL, default=http://localhost:8080"`
	Client    string `env:"UTIL_CLIENT, required"`
	AuthToken string `env:"UTIL_AUTH_TOKEN"`
	Header    bool   `env:"UTIL_PRINT_HEADER, default=false"`
}

func main() {
	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := requestToken(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error requesting token: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "token for %s expires %s\n", token.Client, token.Expiry.Format(time.RFC3339))

	if cfg.Header {
		fmt.Println(token.AuthorizationHeader())
		return
	}
	fmt.Println(token.AccessToken)
}

func requestToken(ctx context.Context, cfg Config) (vendor.ClientToken, error) {
	var token vendor.ClientToken

	endpoint, err := url.JoinPath(cfg.RelayURL, "token", cfg.Client)
	if err != nil {
		return token, fmt.Errorf("invalid relay URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return token, err
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return token, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return token, fmt.Errorf("relay responded %d: %s", resp.StatusCode, errResp.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return token, fmt.Errorf("unmarshal token response: %w", err)
	}

	return token, nil
}
