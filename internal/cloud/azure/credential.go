package azure

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"go.uber.org/zap"
)

// Backend bundles the Azure implementations sharing one credential.
type Backend struct {
	Provisioner  *Provisioner
	GrantChecker *GrantChecker
}

// NewBackend builds both collaborators from DefaultAzureCredential, which
// picks up environment, workload or managed identity, or CLI credentials.
func NewBackend(subscriptionID string, logger *zap.Logger) (*Backend, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating azure credential: %w", err)
	}
	return NewBackendWithCredential(subscriptionID, cred, logger)
}

// NewBackendWithCredential builds both collaborators from an explicit credential.
func NewBackendWithCredential(subscriptionID string, cred azcore.TokenCredential, logger *zap.Logger) (*Backend, error) {
	prov, err := NewProvisioner(subscriptionID, cred, logger)
	if err != nil {
		return nil, err
	}
	grants, err := NewGrantChecker(subscriptionID, cred)
	if err != nil {
		return nil, err
	}
	return &Backend{Provisioner: prov, GrantChecker: grants}, nil
}
