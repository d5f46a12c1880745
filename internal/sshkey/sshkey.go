// Package sshkey resolves the upstream SSH private key from an AWS SSM
// SecureString parameter when GIT_SSH_KEY_SSM_PARAM (or the config file's
// ssh_key_ssm_param) is set, materializing it to a 0600 file under a
// caller-supplied directory created with mode 0700. This generalizes the teacher's existing ssm.Client usage in
// internal/route53 (which writes instance registration data to SSM) to a read
// path for a secret the gate needs at startup.
package sshkey

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ResolveFromSSM fetches paramName (decrypted) from SSM Parameter Store and
// writes it to a 0600 file under dir, returning the file path.
func ResolveFromSSM(ctx context.Context, paramName, dir string) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load aws config: %w", err)
	}
	client := ssm.NewFromConfig(cfg)

	withDecryption := true
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("get ssm parameter %s: %w", paramName, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %s has no value", paramName)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create ssh key dir: %w", err)
	}
	path := filepath.Join(dir, "upstream_id")
	if err := os.WriteFile(path, []byte(*out.Parameter.Value), 0o600); err != nil {
		return "", fmt.Errorf("write ssh key: %w", err)
	}
	return path, nil
}
