// Package google provisions Cloud IoT Core device-registry shadows:
// create/delete devices, create/delete registries, and read back device
// credentials for JWT-validation parity with the backend (spec.md §1
// lists "cloud-specific provisioning SDKs (device-registry CRUD...)" as
// an out-of-scope external collaborator the core only consumes through a
// narrow interface; this package is that collaborator), grounded on the
// teacher's validation.go gcpConfig/gcpAPI shape and
// google.golang.org/api/cloudiot/v1 usage.
package google

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"google.golang.org/api/cloudiot/v1"
	"google.golang.org/api/googleapi"
	"gopkg.in/yaml.v2"
)

// Client wraps a cloudiot.Service bound to one project/region/registry.
type Client struct {
	ProjectID string
	Region    string
	Registry  string

	svc *cloudiot.Service
}

// NewClient builds a Client using Application Default Credentials, the
// same construction the teacher's main.go uses for its own iotService.
func NewClient(ctx context.Context, projectID, region, registry string) (*Client, error) {
	svc, err := cloudiot.NewService(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "google: create cloudiot service")
	}
	return &Client{ProjectID: projectID, Region: region, Registry: registry, svc: svc}, nil
}

func (c *Client) registryPath() string {
	return fmt.Sprintf("projects/%s/locations/%s/registries/%s", c.ProjectID, c.Region, c.Registry)
}

func (c *Client) devicePath(ep string) string {
	return fmt.Sprintf("%s/devices/%s", c.registryPath(), ep)
}

// DeviceConfig is the YAML shape a deployment uses to describe a device's
// public key material when provisioning it ahead of first connection.
type DeviceConfig struct {
	EpName        string `yaml:"ep_name"`
	EpType        string `yaml:"ep_type"`
	PublicKeyPEM  string `yaml:"public_key_pem"`
	KeyFormat     string `yaml:"key_format"` // RSA_X509_PEM or ES256_X509_PEM
}

// ParseDeviceConfig decodes a YAML device-config document, the format
// deployments use to seed new devices (spec.md §10 wires gopkg.in/yaml.v2
// into device-config serialization).
func ParseDeviceConfig(doc []byte) (DeviceConfig, error) {
	var cfg DeviceConfig
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return DeviceConfig{}, errors.Wrap(err, "google: parse device config")
	}
	return cfg, nil
}

// CreateDevice registers cfg's device in the registry. Idempotent in the
// sense that an already-existing device is reported as a BackendRejection
// (spec.md §7), not retried.
func (c *Client) CreateDevice(ctx context.Context, cfg DeviceConfig) error {
	device := &cloudiot.Device{
		Id: cfg.EpName,
		Credentials: []*cloudiot.DeviceCredential{
			{
				PublicKey: &cloudiot.PublicKeyCredential{
					Format: cfg.KeyFormat,
					Key:    cfg.PublicKeyPEM,
				},
			},
		},
	}
	_, err := c.svc.Projects.Locations.Registries.Devices.
		Create(c.registryPath(), device).Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "google: create device %s", cfg.EpName)
	}
	return nil
}

// DeleteDevice removes ep from the registry (mqttproc.CloudHooks'
// DeleteShadow). A 404 is treated as already-deleted, not an error,
// matching the idempotent-teardown requirement in spec.md §5.
func (c *Client) DeleteDevice(ctx context.Context, ep string) error {
	_, err := c.svc.Projects.Locations.Registries.Devices.
		Delete(c.devicePath(ep)).Context(ctx).Do()
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "google: delete device %s", ep)
	}
	return nil
}

// GetDeviceCredentials fetches ep's credential set, the same call the
// backend's JWT validator uses to check a device-signed token against its
// registered public keys.
func (c *Client) GetDeviceCredentials(ctx context.Context, ep string) ([]*cloudiot.DeviceCredential, error) {
	device, err := c.svc.Projects.Locations.Registries.Devices.
		Get(c.devicePath(ep)).Context(ctx).FieldMask("credentials").Do()
	if err != nil {
		return nil, errors.Wrapf(err, "google: get device %s", ep)
	}
	return device.Credentials, nil
}

// SendConfig pushes a cloud-to-device config update outside of MQTT, used
// for administrative pushes that bypass the device's own config topic.
func (c *Client) SendConfig(ctx context.Context, ep string, binaryData []byte) error {
	_, err := c.svc.Projects.Locations.Registries.Devices.
		ModifyCloudToDeviceConfig(c.devicePath(ep), &cloudiot.ModifyCloudToDeviceConfigRequest{
			BinaryData: base64.StdEncoding.EncodeToString(binaryData),
		}).Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "google: modify cloud-to-device config %s", ep)
	}
	return nil
}

// CreateRegistry provisions a new registry, used by the administrative
// API-request path (spec.md §4.1 scenario 5) when a tenant onboards.
func (c *Client) CreateRegistry(ctx context.Context, eventTopic string) error {
	parent := fmt.Sprintf("projects/%s/locations/%s", c.ProjectID, c.Region)
	_, err := c.svc.Projects.Locations.Registries.Create(parent, &cloudiot.DeviceRegistry{
		Id: c.Registry,
		EventNotificationConfigs: []*cloudiot.EventNotificationConfig{
			{PubsubTopicName: eventTopic},
		},
	}).Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "google: create registry")
	}
	return nil
}

// DeleteRegistry tears down the registry. 404 is treated as success.
func (c *Client) DeleteRegistry(ctx context.Context) error {
	_, err := c.svc.Projects.Locations.Registries.Delete(c.registryPath()).Context(ctx).Do()
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "google: delete registry")
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound
	}
	return false
}
