package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/mediaqueue/orchestrator/internal/model"
	"go.uber.org/zap"
)

type fakeProviderStore struct {
	providers []model.Provider
}

func (f *fakeProviderStore) ListProviders(ctx context.Context) ([]model.Provider, error) {
	return f.providers, nil
}

type fakeVault struct {
	failKeys map[string]bool
}

func (v *fakeVault) Decrypt(ciphertext []byte) ([]byte, error) {
	if v.failKeys[string(ciphertext)] {
		return nil, errors.New("decrypt failed")
	}
	return ciphertext, nil
}

func (v *fakeVault) Encrypt(plaintext []byte) ([]byte, error) { return plaintext, nil }

type fakeHandle struct{ key string }

func (h fakeHandle) Key() string { return h.key }

func (h fakeHandle) ResolveDownloadURL(ctx context.Context, externalID string) ([]string, error) {
	return []string{"https://example.invalid/" + externalID}, nil
}

type recordingAudit struct {
	events []string
}

func (a *recordingAudit) Audit(actor, action, subjectType, subjectID string, payload map[string]any) {
	a.events = append(a.events, action+":"+subjectID)
}

func TestRegistryReloadBuildsEnabledHandles(t *testing.T) {
	store := &fakeProviderStore{providers: []model.Provider{
		{ID: 1, Key: "webshare", Enabled: true, Config: []byte("webshare")},
	}}
	vault := &fakeVault{failKeys: map[string]bool{}}
	factory := func(key string, credentials []byte) (Handle, error) {
		return fakeHandle{key: key}, nil
	}
	reg := New(store, vault, factory, zap.NewNop(), nil)

	require := func(cond bool, msg string) {
		if !cond {
			t.Fatal(msg)
		}
	}
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	require(reg.Enabled("webshare"), "expected webshare enabled")
	key, ok := reg.KeyByID(1)
	require(ok, "expected id 1 to resolve")
	require(key == "webshare", "expected webshare key")

	res, err := reg.Resolvable("webshare")
	if err != nil {
		t.Fatalf("resolvable: %v", err)
	}
	urls, err := res.ResolveDownloadURL(context.Background(), "abc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(urls) != 1 {
		t.Fatalf("expected 1 url, got %d", len(urls))
	}
}

func TestRegistryReloadDemotesOnDecryptFailure(t *testing.T) {
	store := &fakeProviderStore{providers: []model.Provider{
		{ID: 1, Key: "kraska", Enabled: true, Config: []byte("kraska")},
	}}
	vault := &fakeVault{failKeys: map[string]bool{"kraska": true}}
	factory := func(key string, credentials []byte) (Handle, error) {
		return fakeHandle{key: key}, nil
	}
	audit := &recordingAudit{}
	reg := New(store, vault, factory, zap.NewNop(), audit)

	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reg.Enabled("kraska") {
		t.Fatal("expected kraska to be demoted, not enabled")
	}
	if len(audit.events) != 1 || audit.events[0] != "provider.demoted:kraska" {
		t.Fatalf("expected one demotion audit event, got %v", audit.events)
	}
}

func TestRegistryReloadDemotesOnFactoryFailure(t *testing.T) {
	store := &fakeProviderStore{providers: []model.Provider{
		{ID: 2, Key: "badfactory", Enabled: true, Config: []byte("creds")},
	}}
	vault := &fakeVault{failKeys: map[string]bool{}}
	factory := func(key string, credentials []byte) (Handle, error) {
		return nil, errors.New("factory boom")
	}
	reg := New(store, vault, factory, zap.NewNop(), nil)

	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reg.Enabled("badfactory") {
		t.Fatal("expected badfactory to be demoted")
	}
	if _, err := reg.Handle("badfactory"); err == nil {
		t.Fatal("expected Handle to fail for demoted provider")
	}
}

func TestRegistryDisabledProviderNeverCallsVaultOrFactory(t *testing.T) {
	store := &fakeProviderStore{providers: []model.Provider{
		{ID: 3, Key: "disabled", Enabled: false, Config: []byte("creds")},
	}}
	factoryCalled := false
	factory := func(key string, credentials []byte) (Handle, error) {
		factoryCalled = true
		return fakeHandle{key: key}, nil
	}
	reg := New(store, &fakeVault{}, factory, zap.NewNop(), nil)

	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if factoryCalled {
		t.Fatal("factory should not be called for a disabled provider")
	}
	if reg.Enabled("disabled") {
		t.Fatal("expected disabled provider to stay disabled")
	}
}

func TestRegistryIDsByKeysSkipsUnknown(t *testing.T) {
	store := &fakeProviderStore{providers: []model.Provider{
		{ID: 1, Key: "webshare", Enabled: true, Config: []byte("webshare")},
	}}
	factory := func(key string, credentials []byte) (Handle, error) {
		return fakeHandle{key: key}, nil
	}
	reg := New(store, &fakeVault{}, factory, zap.NewNop(), nil)
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	ids := reg.IDsByKeys([]string{"webshare", "unknown"})
	if len(ids) != 1 || ids["webshare"] != 1 {
		t.Fatalf("unexpected ids map: %v", ids)
	}
}

func TestRegistryResolvableUnknownProviderErrors(t *testing.T) {
	reg := New(&fakeProviderStore{}, &fakeVault{}, func(key string, credentials []byte) (Handle, error) {
		return fakeHandle{key: key}, nil
	}, zap.NewNop(), nil)
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := reg.Resolvable("nonexistent"); err == nil {
		t.Fatal("expected error resolving unknown provider")
	}
}
