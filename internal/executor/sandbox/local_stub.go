//go:build !linux

package sandbox

import appErr "codelab/pkg/errors"

// NewLocalProvisioner is unavailable off Linux; use the Docker backend.
func NewLocalProvisioner(cfg LocalConfig) (Provisioner, error) {
	return nil, appErr.New(appErr.SandboxUnavailable).WithMessage("local sandbox backend is only supported on linux")
}
