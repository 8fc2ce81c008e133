// Package clients holds the registry of OAuth client identities that tokens
// are vended for. The registry is loaded from YAML once at startup.
package clients

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Client is one client identity. Tokens are obtained for it using the OAuth2
// client credentials grant.
type Client struct {
	Name           string            `yaml:"name"`
	ClientID       string            `yaml:"clientID"`
	ClientSecret   string            `yaml:"clientSecret"`
	Scopes         []string          `yaml:"scopes"`
	TokenURL       string            `yaml:"tokenURL"`
	EndpointParams map[string]string `yaml:"endpointParams"`
}

// MarshalZerologObject writes the client without its secret.
func (c Client) MarshalZerologObject(e *zerolog.Event) {
	e.Str("name", c.Name).
		Str("clientID", c.ClientID).
		Strs("scopes", c.Scopes)
}

type registryConfig struct {
	Clients []Client `yaml:"clients"`
}

// Registry is an immutable set of clients keyed by name.
type Registry struct {
	clients map[string]Client

	// digest is the SHA256 hash of the source YAML content.
	digest string
}

// NotFoundError indicates no client with the requested name is registered.
type NotFoundError struct {
	Name string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("client %q not found", e.Name)
}

func (e NotFoundError) Status() (int, string) {
	return http.StatusNotFound, "client not found"
}

// Load reads and parses the registry file at path.
func Load(path string) (*Registry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("client registry read failed from %s: %w", path, err)
	}

	return Parse(content)
}

// Parse builds a registry from YAML content. Unknown fields, missing names or
// client IDs, and duplicate names are all rejected.
func Parse(content []byte) (*Registry, error) {
	config := registryConfig{}

	dec := yaml.NewDecoder(strings.NewReader(string(content)))

	// a typo in a field name must not silently drop a client's settings
	dec.KnownFields(true)

	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("client registry parsing failed: %w", err)
	}

	hash := sha256.Sum256(content)

	registry := &Registry{
		clients: make(map[string]Client, len(config.Clients)),
		digest:  hex.EncodeToString(hash[:]),
	}

	var errs []error
	for i, client := range config.Clients {
		if err := validate(client); err != nil {
			errs = append(errs, fmt.Errorf("client %d: %w", i, err))
			continue
		}

		if _, exists := registry.clients[client.Name]; exists {
			errs = append(errs, fmt.Errorf("duplicate client name: %q", client.Name))
			continue
		}

		registry.clients[client.Name] = client
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("client registry invalid: %w", errors.Join(errs...))
	}

	return registry, nil
}

func validate(c Client) error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if strings.ContainsAny(c.Name, "/ \t\r\n") {
		return fmt.Errorf("name %q must not contain whitespace or '/'", c.Name)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client %q: clientID is required", c.Name)
	}

	return nil
}

// Lookup returns the named client, or NotFoundError.
func (r *Registry) Lookup(name string) (Client, error) {
	client, ok := r.clients[name]
	if !ok {
		return Client{}, NotFoundError{Name: name}
	}

	return client, nil
}

// Names lists registered client names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

// Digest returns the SHA256 hash of the source YAML content used to create
// this registry.
func (r *Registry) Digest() string {
	return r.digest
}
