package providers

import (
	"fmt"
)

// CloudInitUserData returns a minimal cloud-init YAML that creates the
// deploy user, authorizes the controller's SSH public key and hardens
// sshd. Drivers pass it as instance user data so the node is reachable
// by key on first boot.
func CloudInitUserData(username, sshAuthorizedKey string) string {
	if username == "" {
		username = "deploy"
	}
	return fmt.Sprintf(`#cloud-config
users:
  - name: %s
    sudo: ["ALL=(ALL) NOPASSWD:ALL"]
    shell: /bin/bash
    ssh_authorized_keys:
      - %s
ssh_pwauth: false
disable_root: true
package_update: true
write_files:
  - path: /etc/ssh/sshd_config.d/99-deploykit.conf
    permissions: '0644'
    content: |
      PermitRootLogin no
      PasswordAuthentication no
      ChallengeResponseAuthentication no
      UsePAM yes
`, username, sshAuthorizedKey)
}
