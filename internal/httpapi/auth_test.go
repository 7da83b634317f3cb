package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"vitrine/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, store)
	_, err := manager.Login(domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestCreateAccountStoresPasswordHash(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, store)

	account, err := manager.CreateAccount(domain.AccountCreateRequest{
		Username: "carla",
		Password: "senha123",
		Role:     "cliente",
		ClientID: "cli-carla",
	})
	if err != nil {
		t.Fatalf("create account failed: %v", err)
	}
	if account.Username != "carla" {
		t.Fatalf("unexpected username %s", account.Username)
	}
	if account.ClientID != "cli-carla" {
		t.Fatalf("expected client id to be kept, got %q", account.ClientID)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "carla" {
			found = &users[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected account to be saved")
	}
	if found.Password == "senha123" {
		t.Fatalf("expected account password to be hashed")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	_, err = manager.Login(domain.LoginRequest{
		Username: "carla",
		Password: "senha123",
	})
	if err != nil {
		t.Fatalf("login with hashed account failed: %v", err)
	}
}

func TestCreateAccountRequiresClientProfile(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{users: map[string]domain.UserAccount{}})

	_, err := manager.CreateAccount(domain.AccountCreateRequest{
		Username: "danilo",
		Password: "senha123",
		Role:     "cliente",
	})
	if err == nil {
		t.Fatalf("expected client account without client_id to be rejected")
	}

	_, err = manager.CreateAccount(domain.AccountCreateRequest{
		Username: "danilo",
		Password: "senha123",
		Role:     "gerente",
	})
	if err == nil {
		t.Fatalf("expected unsupported role to be rejected")
	}
}

func TestParseTokenCarriesClientID(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{users: map[string]domain.UserAccount{}})

	if _, err := manager.CreateAccount(domain.AccountCreateRequest{
		Username: "elisa",
		Password: "senha123",
		Role:     "cliente",
		ClientID: "cli-elisa",
	}); err != nil {
		t.Fatalf("create account failed: %v", err)
	}

	resp, err := manager.Login(domain.LoginRequest{Username: "elisa", Password: "senha123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.ClientID != "cli-elisa" {
		t.Fatalf("expected client id in login response, got %q", resp.ClientID)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "elisa" || actor.Role != "cliente" || actor.ClientID != "cli-elisa" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}
