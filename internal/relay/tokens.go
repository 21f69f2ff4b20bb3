package relay

import (
	"context"
	"crypto/subtle"

	"code.wakelink.org/golang/internal/utils"
)

// TokenStore authenticates relay sessions. The relay trusts tokens only for
// routing, packet confidentiality never depends on them.
type TokenStore interface {
	// CheckEndpointToken reports whether token authenticates the endpoint id.
	CheckEndpointToken(ctx context.Context, id string, token string) (bool, error)

	// CheckControllerToken reports whether token authenticates the controller
	// client id.
	CheckControllerToken(ctx context.Context, id string, token string) (bool, error)
}

// MemTokenStore is an in memory TokenStore: one shared API token for
// controllers plus optional per endpoint tokens. An endpoint with no
// registered token falls back to the shared API token.
type MemTokenStore struct {
	apiToken  string
	endpoints *utils.Registry[string, string]
}

// NewMemTokenStore returns a MemTokenStore accepting apiToken for
// controllers and as the endpoint fallback.
func NewMemTokenStore(apiToken string) *MemTokenStore {
	return &MemTokenStore{
		apiToken:  apiToken,
		endpoints: utils.NewRegistry[string, string](),
	}
}

var _ TokenStore = &MemTokenStore{}

// AddEndpoint registers a dedicated token for endpoint id. It errors when id
// already has one.
func (self *MemTokenStore) AddEndpoint(id string, token string) error {
	err := utils.RegistrySet(self.endpoints, id, token)
	if nil != err {
		return wrapError(err, "failed registering endpoint %s", id)
	}
	return nil
}

func (self *MemTokenStore) CheckEndpointToken(_ context.Context, id string, token string) (bool, error) {
	want, present := utils.RegistryGet(self.endpoints, id)
	if !present {
		want = self.apiToken
	}
	return tokenEqual(want, token), nil
}

func (self *MemTokenStore) CheckControllerToken(_ context.Context, id string, token string) (bool, error) {
	return tokenEqual(self.apiToken, token), nil
}

// tokenEqual compares tokens in constant time. Empty expected tokens never
// authenticate.
func tokenEqual(want, got string) bool {
	if "" == want {
		return false
	}
	return 1 == subtle.ConstantTimeCompare([]byte(want), []byte(got))
}
