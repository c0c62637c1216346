// Package config is the bridge's own configuration struct, loaded through
// internal/configloader the way the teacher's main.go loads its Config
// (CLI flags > environment > config file > struct defaults).
package config

import "time"

// Config mirrors the configuration keys spec.md §6 lists as consumed by
// the core, plus the ambient keys every deployment needs (listen address,
// log level).
type Config struct {
	ListenAddress string `config:"listen_address" flag:"listen-address" usage:"address the admin/health HTTP server binds to"`
	AdminAPIKey   string `config:"admin_api_key" flag:"admin-api-key" usage:"Bearer token required on /status; empty disables admin auth"`
	Debug         bool   `config:"debug" flag:"debug" usage:"enable debug-level logging"`

	Domain string `config:"domain" flag:"domain" usage:"bridge domain tag used in subscription keys"`

	MqttAddress              string        `config:"mqtt_address" flag:"mqtt-address" usage:"generic-broker MQTT host"`
	MqttPort                 int           `config:"mqtt_port" flag:"mqtt-port" usage:"generic-broker MQTT port"`
	MqttReconnectSleepTimeMs int           `config:"mqtt_reconnect_sleep_time_ms" flag:"mqtt-reconnect-sleep-time-ms"`
	MqttCleanSession         bool          `config:"mqtt_clean_session" flag:"mqtt-clean-session"`
	MqttObsAutoSubscribe     bool          `config:"mqtt_obs_auto_subscribe" flag:"mqtt-obs-auto-subscribe"`
	MqttMdsTopicRoot         string        `config:"mqtt_mds_topic_root" flag:"mqtt-mds-topic-root"`
	MqttDeviceDataKey        string        `config:"mqtt_device_data_key" flag:"mqtt-device-data-key"`
	MqttConnectRetries       int           `config:"mqtt_connect_retries" flag:"mqtt-connect-retries"`
	LockWaitMs               int           `config:"lock_wait_ms" flag:"lock-wait-ms" usage:"command-dispatch critical section wait, default 2500-7500ms"`
	MaxShadows               int           `config:"max_shadows" flag:"max-shadows" usage:"maximum live endpoints, default 100000"`

	DeleteOnDeregister bool `config:"delete_on_deregister" flag:"delete-on-deregister"`
	DraftFormat        bool `config:"draft_format" flag:"draft-format"`
	TenantID           string `config:"tenant_id" flag:"tenant-id"`

	GoogleCloudEnabled           bool          `config:"google_cloud_enabled" flag:"google-cloud-enabled"`
	GoogleCloudProjectID         string        `config:"google_cloud_project_id" flag:"google-cloud-project-id"`
	GoogleCloudRegion            string        `config:"google_cloud_region" flag:"google-cloud-region"`
	GoogleCloudRegistry          string        `config:"google_cloud_registry" flag:"google-cloud-registry"`
	GoogleCloudMqttHost          string        `config:"google_cloud_mqtt_host" flag:"google-cloud-mqtt-host"`
	GoogleCloudMqttPort          int           `config:"google_cloud_mqtt_port" flag:"google-cloud-mqtt-port"`
	GoogleCloudMqttVersion       uint          `config:"google_cloud_mqtt_version" flag:"google-cloud-mqtt-version"`
	GoogleCloudJwtExpirationSecs int           `config:"google_cloud_jwt_expiration_secs" flag:"google-cloud-jwt-expiration-secs"`
	GoogleCloudJwtRefreshWaitMs  int           `config:"google_cloud_jwt_refresh_wait_ms" flag:"google-cloud-jwt-refresh-wait-ms"`
	GoogleCloudMaxRetries        int           `config:"google_cloud_max_retries" flag:"google-cloud-max-retries"`
	GoogleCloudPubsubSubscription string      `config:"google_cloud_pubsub_subscription" flag:"google-cloud-pubsub-subscription"`
	GoogleWaitForLockMs          int           `config:"google_wait_for_lock_ms" flag:"google-wait-for-lock-ms"`
	GoogleCloudPrivateKeyDir     string        `config:"google_cloud_private_key_dir" flag:"google-cloud-private-key-dir" usage:"directory holding one <ep_name>.pem RSA private key per device"`

	IotfEnabled      bool   `config:"iotf_enabled" flag:"iotf-enabled"`
	IotfOrgID        string `config:"iotf_org_id" flag:"iotf-org-id"`
	IotfOrgKey       string `config:"iotf_org_key" flag:"iotf-org-key"`
	IotfLegacyTopics bool   `config:"iotf_legacy_topics" flag:"iotf-legacy-topics"`
	IotfDataKey      string `config:"iotf_data_key" flag:"iotf-data-key"`

	IotHubEnabled  bool   `config:"iothub_enabled" flag:"iothub-enabled"`
	IotHubHostname string `config:"iothub_hostname" flag:"iothub-hostname"`
	IotHubPort     int    `config:"iothub_port" flag:"iothub-port"`
	IotHubDeviceID string `config:"iothub_device_id" flag:"iothub-device-id" usage:"client id for the shared gateway session"`
	IotHubSasToken string `config:"iothub_sas_token" flag:"iothub-sas-token"`

	GenericBrokerEnabled bool   `config:"generic_broker_enabled" flag:"generic-broker-enabled"`
	GenericRequestTag    string `config:"generic_request_tag" flag:"generic-request-tag"`

	BackendLongPollURL string `config:"backend_longpoll_url" flag:"backend-longpoll-url"`
	BackendAPIKey      string `config:"backend_api_key" flag:"backend-api-key"`
	BackendBaseURL     string `config:"backend_base_url" flag:"backend-base-url"`

	AsyncSweepInterval time.Duration `config:"async_sweep_interval" flag:"async-sweep-interval"`
	AsyncMaxAge        time.Duration `config:"async_max_age" flag:"async-max-age"`
}

// Default returns a Config populated with the defaults spec.md §6 calls
// out explicitly (max_shadows: 100000, lock_wait_ms: 2500-7500ms window's
// midpoint).
func Default() Config {
	return Config{
		ListenAddress:            ":8080",
		Domain:                   "default",
		MqttPort:                 1883,
		MqttReconnectSleepTimeMs: 2000,
		MqttCleanSession:         true,
		MqttObsAutoSubscribe:     true,
		MqttConnectRetries:       5,
		LockWaitMs:               5000,
		MaxShadows:               100000,
		GoogleCloudMqttPort:      8883,
		GoogleCloudMqttVersion:   4,
		GoogleCloudJwtExpirationSecs: 3600,
		GoogleCloudJwtRefreshWaitMs:  1000,
		GoogleCloudMaxRetries:        5,
		GoogleWaitForLockMs:          5000,
		IotHubPort:                   8883,
		AsyncSweepInterval:           time.Minute,
		AsyncMaxAge:                  10 * time.Minute,
	}
}
