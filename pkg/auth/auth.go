// Copyright 2022 The kpt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth supplies go-git transport credentials keyed by URL scheme.
package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/kptdev/gitmirror/internal/errors"
	"k8s.io/klog/v2"
)

// Method is the way a remote is authenticated against.
type Method string

const (
	Password   Method = "password"
	PrivateKey Method = "private-key"
	Anonymous  Method = "anonymous"
)

// DefaultSSHUser is used for ssh remotes whose URL and settings name no user.
const DefaultSSHUser = "git"

// Settings are the credentials configured for one kind of remote.
type Settings struct {
	Method         Method
	Username       string
	Password       string
	PrivateKeyPath string
	Passphrase     string
}

// anonymousProtocol reports whether the protocol never carries credentials.
func anonymousProtocol(protocol string) bool {
	return protocol == "git" || protocol == "file"
}

// AuthMethod returns the go-git auth method for the remote url, or nil when
// the remote is accessed anonymously.
func (s Settings) AuthMethod(url string) (transport.AuthMethod, error) {
	const op errors.Op = "auth.AuthMethod"

	ep, err := transport.NewEndpoint(url)
	if err != nil {
		return nil, errors.E(op, errors.InvalidParam, errors.Repo(url), err)
	}
	if anonymousProtocol(ep.Protocol) || s.Method == Anonymous || s.Method == "" {
		return nil, nil
	}

	switch ep.Protocol {
	case "http", "https":
		if s.Method != Password {
			return nil, errors.E(op, errors.InvalidParam, errors.Repo(url),
				fmt.Sprintf("authentication method %q is not supported over %s", s.Method, ep.Protocol))
		}
		// An empty password is allowed; some servers only check the user.
		return &githttp.BasicAuth{
			Username: s.Username,
			Password: s.Password,
		}, nil
	case "ssh":
		user := s.Username
		if user == "" {
			user = ep.User
		}
		if user == "" {
			user = DefaultSSHUser
		}
		switch s.Method {
		case Password:
			return &gitssh.Password{User: user, Password: s.Password}, nil
		case PrivateKey:
			if s.PrivateKeyPath == "" {
				return nil, errors.E(op, errors.MissingParam, errors.Repo(url), "private key path is required")
			}
			keys, err := gitssh.NewPublicKeysFromFile(user, s.PrivateKeyPath, s.Passphrase)
			if err != nil {
				return nil, errors.E(op, errors.InvalidParam, errors.Repo(url), err)
			}
			return keys, nil
		}
	}
	return nil, errors.E(op, errors.InvalidParam, errors.Repo(url),
		fmt.Sprintf("authentication method %q is not supported over %s", s.Method, ep.Protocol))
}

// AuthURL returns the url that should be handed to the transport. Anonymous
// protocols have any user and password stripped from it.
func (s Settings) AuthURL(url string) (string, error) {
	ep, err := transport.NewEndpoint(url)
	if err != nil {
		return "", errors.E(errors.Op("auth.AuthURL"), errors.InvalidParam, errors.Repo(url), err)
	}
	if !anonymousProtocol(ep.Protocol) {
		return url, nil
	}
	ep.User = ""
	ep.Password = ""
	return ep.String(), nil
}

// Provider resolves credentials for a remote. When refresh is true any
// cached credentials must be reloaded.
type Provider interface {
	AuthMethod(ctx context.Context, url string, refresh bool) (transport.AuthMethod, error)
}

// SchemeProvider selects Settings by the protocol of the remote url
// ("https", "ssh", ...). Resolved auth methods are cached per protocol
// and host until a refresh is requested.
type SchemeProvider struct {
	settings map[string]Settings

	mutex sync.Mutex
	cache map[string]transport.AuthMethod
}

var _ Provider = &SchemeProvider{}

// NewSchemeProvider returns a provider for the given scheme to settings map.
func NewSchemeProvider(settings map[string]Settings) *SchemeProvider {
	return &SchemeProvider{
		settings: settings,
		cache:    map[string]transport.AuthMethod{},
	}
}

func (p *SchemeProvider) AuthMethod(_ context.Context, url string, refresh bool) (transport.AuthMethod, error) {
	ep, err := transport.NewEndpoint(url)
	if err != nil {
		return nil, errors.E(errors.Op("auth.AuthMethod"), errors.InvalidParam, errors.Repo(url), err)
	}
	settings, found := p.settings[ep.Protocol]
	if !found {
		return nil, nil
	}

	key := ep.Protocol + "://" + ep.Host
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if cached, found := p.cache[key]; found && !refresh {
		return cached, nil
	}
	method, err := settings.AuthMethod(url)
	if err != nil {
		return nil, err
	}
	p.cache[key] = method
	return method, nil
}

// Do runs op with credentials for url. If the remote rejects them, the
// credentials are refreshed and op is run once more.
func Do(ctx context.Context, provider Provider, url string, op func(transport.AuthMethod) error) error {
	if provider == nil {
		return op(nil)
	}
	auth, err := provider.AuthMethod(ctx, url, false)
	if err != nil {
		return fmt.Errorf("failed to obtain git credentials: %w", err)
	}
	err = op(auth)
	if err == nil || !errors.Is(err, transport.ErrAuthenticationRequired) {
		return err
	}
	klog.Infof("Authentication to %s failed. Trying to refresh credentials", url)
	auth, err = provider.AuthMethod(ctx, url, true)
	if err != nil {
		return fmt.Errorf("failed to obtain git credentials: %w", err)
	}
	return op(auth)
}
