// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/acquisition"
	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Proxy() config.ProxyConfig {
	args := m.Called()
	return args.Get(0).(config.ProxyConfig)
}

func (m *MockConfig) Mailbox() config.MailboxConfig {
	args := m.Called()
	return args.Get(0).(config.MailboxConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Acquisition() config.AcquisitionConfig {
	args := m.Called()
	return args.Get(0).(config.AcquisitionConfig)
}

func (m *MockConfig) Store() config.StoreConfig {
	args := m.Called()
	return args.Get(0).(config.StoreConfig)
}

func (m *MockConfig) Push() config.PushConfig {
	args := m.Called()
	return args.Get(0).(config.PushConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) SetBrowserHeadless(b bool) { m.Called(b) }
func (m *MockConfig) SetProxyNode(n string)     { m.Called(n) }

// -- Proxy Mocks --

// MockProxyPool mocks acquisition.ProxyPool.
type MockProxyPool struct {
	mock.Mock
}

func (m *MockProxyPool) Acquire(ctx context.Context) (acquisition.Lease, error) {
	args := m.Called(ctx)
	lease, _ := args.Get(0).(acquisition.Lease)
	return lease, args.Error(1)
}

// MockLease mocks acquisition.Lease.
type MockLease struct {
	mock.Mock
}

func (m *MockLease) EgressURL() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockLease) FindHealthyNode(ctx context.Context, group string) (string, error) {
	args := m.Called(ctx, group)
	return args.String(0), args.Error(1)
}

func (m *MockLease) SwitchNode(ctx context.Context, node string) error {
	args := m.Called(ctx, node)
	return args.Error(0)
}

func (m *MockLease) Release() { m.Called() }

// -- Mailbox Mocks --

// MockMailbox mocks acquisition.Mailbox.
type MockMailbox struct {
	mock.Mock
}

func (m *MockMailbox) Register(ctx context.Context, domain string) (schemas.MailIdentity, error) {
	args := m.Called(ctx, domain)
	return args.Get(0).(schemas.MailIdentity), args.Error(1)
}

func (m *MockMailbox) UseExisting(address, secret string) { m.Called(address, secret) }

func (m *MockMailbox) Authenticate(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockMailbox) ClearInbox(ctx context.Context) int {
	args := m.Called(ctx)
	return args.Int(0)
}

func (m *MockMailbox) WaitForCode(ctx context.Context, timeout time.Duration) (string, error) {
	args := m.Called(ctx, timeout)
	return args.String(0), args.Error(1)
}

func (m *MockMailbox) Delete(ctx context.Context) { m.Called(ctx) }

// MockMailboxFactory mocks acquisition.MailboxFactory.
type MockMailboxFactory struct {
	mock.Mock
}

func (m *MockMailboxFactory) NewMailbox(egressURL string) (acquisition.Mailbox, error) {
	args := m.Called(egressURL)
	mb, _ := args.Get(0).(acquisition.Mailbox)
	return mb, args.Error(1)
}

// -- Browser Mocks --

// MockLoginSession mocks acquisition.LoginSession.
type MockLoginSession struct {
	mock.Mock
}

func (m *MockLoginSession) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockLoginSession) Login(ctx context.Context, email string) bool {
	args := m.Called(ctx, email)
	return args.Bool(0)
}

func (m *MockLoginSession) EnterVerificationCode(ctx context.Context, code string) bool {
	args := m.Called(ctx, code)
	return args.Bool(0)
}

func (m *MockLoginSession) WaitForLoginComplete(ctx context.Context, timeout time.Duration) bool {
	args := m.Called(ctx, timeout)
	return args.Bool(0)
}

func (m *MockLoginSession) ExtractCookies(ctx context.Context) (schemas.CookieBundle, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.CookieBundle), args.Error(1)
}

func (m *MockLoginSession) Stop() { m.Called() }

// MockSessionFactory mocks acquisition.SessionFactory.
type MockSessionFactory struct {
	mock.Mock
}

func (m *MockSessionFactory) NewSession(egressURL string) acquisition.LoginSession {
	args := m.Called(egressURL)
	return args.Get(0).(acquisition.LoginSession)
}
