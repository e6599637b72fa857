// Package device holds the immutable-within-a-job device and credential
// reference types shared by the inventory, the driver registry, and the
// job engine.
package device

// Type is the closed tag set identifying a device's transport/semantics
// family. The driver registry maps each Type to exactly one Driver.
type Type string

const (
	CiscoIosCli    Type = "cisco_ios_cli"
	JuniperNetconf Type = "juniper_netconf"
	AristaEosCli   Type = "arista_eos_cli"
	CiscoNxosHttp  Type = "cisco_nxos_http"
	MerakiCloudHttp Type = "meraki_cloud_http"
	GenericSshCli  Type = "generic_ssh_cli"

	// AristaEosHttp extends the closed tag set for fleets whose EOS
	// management plane is reached over eAPI (HTTP/JSON) rather than an
	// interactive SSH shell. The core tag set is explicitly open-ended
	// ("…") to allow exactly this kind of transport-specific addition.
	AristaEosHttp Type = "arista_eos_http"
)

// CredentialKind identifies the shape of secret a CredentialRef resolves to.
// It lets the credential resolver validate that the secret store returned
// the expected variant before handing it to a driver.
type CredentialKind string

const (
	KindUserPassword CredentialKind = "user_password"
	KindSSHKey       CredentialKind = "ssh_key"
	KindAPIToken     CredentialKind = "api_token"
)

// CredentialRef names a secret by reference only; a Device never embeds an
// owned credential value, per spec's no-back-reference requirement.
type CredentialRef struct {
	Name string         `json:"name"`
	Kind CredentialKind `json:"kind"`
}

// Device is immutable for the lifetime of one job execution. The JSON tags
// let a static fleet be described as a plain JSON file and loaded straight
// into an inventory.Static.
type Device struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	MgmtAddress   string        `json:"mgmt_address"`
	Type          Type          `json:"type"`
	Tags          []string      `json:"tags,omitempty"`
	CredentialRef CredentialRef `json:"credential_ref"`
}

// HasTag reports whether the device carries the given tag.
func (d Device) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
