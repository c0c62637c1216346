// Command bridge runs the device-cloud bridge: it loads configuration,
// wires the enabled per-cloud processors to the generic MQTT processor
// base, starts the backend long-poll reader, and serves the admin/health
// HTTP surface, in the run()/os.Exit(run()) shape the teacher's main.go
// and firebase-auth-sidecar/main.go both use.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/asyncresp"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/bridgehttp"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/config"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/configloader"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/endpoint"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/logging"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/longpoll"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/mqttproc"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/mqttproc/genericbroker"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/mqttproc/google"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/mqttproc/iothub"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/mqttproc/watson"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/orchestrator"
	provisioninggoogle "github.com/tiiuae/fleet-management/devicecloud-bridge/internal/provisioning/google"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/subscription"
	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/transport"
)

// httpShutdownGrace bounds how long the admin/health server waits for
// in-flight requests to finish on shutdown.
const httpShutdownGrace = 5 * time.Second

// msToDuration converts a millisecond config value to a time.Duration, the
// unit every *_ms config key in spec.md §6 is expressed in.
func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// buildDispatcher fans a long-poll body out to every registered processor's
// HandleBackendEvent, matching the generic processor's "per top-level key"
// routing (spec.md §4.1). Every deployment's enabled processors see the
// same backend event, since ep_name space is shared across clouds.
func buildDispatcher(ctx context.Context, processors []*mqttproc.Processor) longpoll.Dispatcher {
	return func(body []byte) {
		for _, p := range processors {
			p.HandleBackendEvent(ctx, body)
		}
	}
}

// filePrivateKeyProvider resolves a device's signing key from
// <dir>/<ep>.pem, the simplest key store a deployment can stand up ahead of
// wiring a real secrets manager.
func filePrivateKeyProvider(dir string) google.PrivateKeyProvider {
	return func(ep string) ([]byte, error) {
		return os.ReadFile(filepath.Join(dir, ep+".pem"))
	}
}

// pubsubNotificationEnvelope wraps one Cloud Pub/Sub device-event message
// in the same {"notifications": [...]} shape the backend long-poll uses,
// so both ingress paths feed mqttproc.Processor.HandleBackendEvent.
func pubsubNotificationEnvelope(deviceID, subFolder string, data []byte) []byte {
	payload := base64.StdEncoding.EncodeToString(data)
	body, _ := json.Marshal(map[string]interface{}{
		"notifications": []map[string]string{
			{"ep": deviceID, "path": "/" + subFolder, "payload": payload},
		},
	})
	return body
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	loader := configloader.New()
	if err := loader.Load(&cfg); err != nil {
		var fatal configloader.FatalErr
		if errors.As(err, &fatal) {
			return nil, err
		} else if errors.Is(err, pflag.ErrHelp) {
			return nil, nil
		}
		logging.Warnf("during config loading: %v", err)
	}
	return &cfg, nil
}

// statusProviders aggregates every processor's endpoint registry and
// async correlator into the single snapshot bridgehttp.StatusProvider
// exposes.
type statusProviders struct {
	registries map[string]*endpoint.Registry
	async      []*asyncresp.Correlator
}

func (s *statusProviders) EndpointCount() int {
	total := 0
	for _, r := range s.registries {
		total += r.Len()
	}
	return total
}

func (s *statusProviders) EndpointsByCloud() map[string]int {
	byCloud := make(map[string]int, len(s.registries))
	for cloud, r := range s.registries {
		byCloud[cloud] = r.Len()
	}
	return byCloud
}

func (s *statusProviders) PendingAsyncCount() int {
	total := 0
	for _, a := range s.async {
		total += a.Pending()
	}
	return total
}

func run() int {
	cfg, err := loadConfig()
	if err != nil {
		logging.Errorf("%v", err)
		return 1
	}
	if cfg == nil {
		return 0
	}
	logging.Init(cfg.Debug, os.Stderr)

	status := &statusProviders{registries: make(map[string]*endpoint.Registry)}
	orch := orchestrator.NewHTTPOrchestrator(cfg.BackendBaseURL, cfg.BackendAPIKey)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var processors []*mqttproc.Processor

	if cfg.GenericBrokerEnabled {
		reg := endpoint.New(cfg.MaxShadows)
		subs := subscription.New()
		async := asyncresp.New()
		status.registries["generic"] = reg
		status.async = append(status.async, async)

		sess, err := transport.NewSession(ctx, transport.Config{
			ClientID:       "devicecloud-bridge-generic",
			Brokers:        []string{fmt.Sprintf("tcp://%s:%d", cfg.MqttAddress, cfg.MqttPort)},
			CleanSession:   cfg.MqttCleanSession,
			ReconnectSleep: msToDuration(cfg.MqttReconnectSleepTimeMs),
		})
		if err != nil {
			logging.Errorf("generic broker: connect: %v", err)
			return 1
		}

		hooks := genericbroker.New(genericbroker.Config{
			TopicRoot:  cfg.MqttMdsTopicRoot,
			RequestTag: cfg.GenericRequestTag,
			Domain:     cfg.Domain,
			DataKey:    cfg.MqttDeviceDataKey,
		}, sess)

		proc := mqttproc.New(mqttproc.Config{
			Domain:             cfg.Domain,
			AutoSubscribe:      cfg.MqttObsAutoSubscribe,
			DeleteOnDeregister: cfg.DeleteOnDeregister,
			MaxRetries:         cfg.MqttConnectRetries,
			LockWaitMs:         cfg.LockWaitMs,
			DraftFormat:        cfg.DraftFormat,
			TenantID:           cfg.TenantID,
		}, hooks, orch, reg, subs, async)
		if err := proc.InitListener(ctx, sess); err != nil {
			logging.Errorf("generic broker: init listener: %v", err)
			return 1
		}
		processors = append(processors, proc)
	}

	if cfg.IotfEnabled {
		reg := endpoint.New(cfg.MaxShadows)
		subs := subscription.New()
		async := asyncresp.New()
		status.registries["watson"] = reg
		status.async = append(status.async, async)

		sess, err := transport.NewSession(ctx, transport.Config{
			ClientID:       "devicecloud-bridge-watson",
			Brokers:        []string{fmt.Sprintf("ssl://%s.messaging.internetofthings.ibmcloud.com:8883", cfg.IotfOrgID)},
			Credentials:    transport.Credentials{Username: "use-token-auth", Password: cfg.IotfOrgKey},
			CleanSession:   cfg.MqttCleanSession,
			ReconnectSleep: msToDuration(cfg.MqttReconnectSleepTimeMs),
		})
		if err != nil {
			logging.Errorf("watson: connect: %v", err)
			return 1
		}

		hooks := watson.New(watson.Config{
			OrgID:        cfg.IotfOrgID,
			OrgKey:       cfg.IotfOrgKey,
			LegacyTopics: cfg.IotfLegacyTopics,
			DataKey:      cfg.IotfDataKey,
		}, sess)

		proc := mqttproc.New(mqttproc.Config{
			Domain:             cfg.Domain,
			AutoSubscribe:      cfg.MqttObsAutoSubscribe,
			DeleteOnDeregister: cfg.DeleteOnDeregister,
			MaxRetries:         cfg.MqttConnectRetries,
			LockWaitMs:         cfg.LockWaitMs,
		}, hooks, orch, reg, subs, async)
		if err := proc.InitListener(ctx, sess); err != nil {
			logging.Errorf("watson: init listener: %v", err)
			return 1
		}
		processors = append(processors, proc)
	}

	// Google Cloud IoT Core's per-device session topology does not fit the
	// single-shared-session InitListener path above: there is no default
	// session to subscribe a request-topic filter on, so InitListener is
	// called with a nil session and every device session is instead
	// created lazily during registration, when the processor runs
	// Subscribe's body (subscribeLocked) for a newly seen endpoint.
	if cfg.GoogleCloudEnabled {
		reg := endpoint.New(cfg.MaxShadows)
		subs := subscription.New()
		async := asyncresp.New()
		status.registries["google"] = reg
		status.async = append(status.async, async)

		provClient, err := provisioninggoogle.NewClient(ctx, cfg.GoogleCloudProjectID, cfg.GoogleCloudRegion, cfg.GoogleCloudRegistry)
		if err != nil {
			logging.Errorf("google: provisioning client: %v", err)
			return 1
		}

		hooksBuilder := google.New(google.Config{
			ProjectID:         cfg.GoogleCloudProjectID,
			Region:            cfg.GoogleCloudRegion,
			Registry:          cfg.GoogleCloudRegistry,
			MqttHost:          cfg.GoogleCloudMqttHost,
			MqttPort:          cfg.GoogleCloudMqttPort,
			ProtocolVersion:   cfg.GoogleCloudMqttVersion,
			JWTExpirationSecs: cfg.GoogleCloudJwtExpirationSecs,
			RefreshSlackSecs:  60,
			MaxRetries:        cfg.GoogleCloudMaxRetries,
			RefreshWaitMs:     cfg.GoogleCloudJwtRefreshWaitMs,
			ConnectRetries:    cfg.GoogleCloudMaxRetries,
		}, filePrivateKeyProvider(cfg.GoogleCloudPrivateKeyDir), nil)
		hooksBuilder.WithShadowDeleter(provClient)

		proc := mqttproc.New(mqttproc.Config{
			Domain:             cfg.Domain,
			AutoSubscribe:      cfg.MqttObsAutoSubscribe,
			DeleteOnDeregister: cfg.DeleteOnDeregister,
			MaxRetries:         cfg.GoogleCloudMaxRetries,
			LockWaitMs:         cfg.GoogleWaitForLockMs,
		}, hooksBuilder, orch, reg, subs, async)
		hooksBuilder.SetMessageHandler(proc.OnMessageReceive)
		if err := proc.InitListener(ctx, nil); err != nil {
			logging.Errorf("google: init listener: %v", err)
			return 1
		}
		processors = append(processors, proc)

		if cfg.GoogleCloudPubsubSubscription != "" {
			ingress := &google.PubSubIngress{
				ProjectID:    cfg.GoogleCloudProjectID,
				Subscription: cfg.GoogleCloudPubsubSubscription,
				OnDeviceEvent: func(deviceID, subFolder string, data []byte) {
					proc.HandleBackendEvent(ctx, pubsubNotificationEnvelope(deviceID, subFolder, data))
				},
			}
			go func() {
				if err := ingress.Run(ctx); err != nil && ctx.Err() == nil {
					logging.Errorf("google: pubsub ingress: %v", err)
				}
			}()
		}
	}

	if cfg.IotHubEnabled {
		reg := endpoint.New(cfg.MaxShadows)
		subs := subscription.New()
		async := asyncresp.New()
		status.registries["iothub"] = reg
		status.async = append(status.async, async)

		sess, err := transport.NewSession(ctx, transport.Config{
			ClientID:       cfg.IotHubDeviceID,
			Brokers:        []string{fmt.Sprintf("ssl://%s:%d", cfg.IotHubHostname, cfg.IotHubPort)},
			Credentials:    transport.Credentials{Username: fmt.Sprintf("%s/%s", cfg.IotHubHostname, cfg.IotHubDeviceID), Password: cfg.IotHubSasToken},
			CleanSession:   cfg.MqttCleanSession,
			ReconnectSleep: msToDuration(cfg.MqttReconnectSleepTimeMs),
		})
		if err != nil {
			logging.Errorf("iothub: connect: %v", err)
			return 1
		}

		hooks := iothub.New(iothub.Config{HubHostname: cfg.IotHubHostname}, sess)

		proc := mqttproc.New(mqttproc.Config{
			Domain:             cfg.Domain,
			AutoSubscribe:      cfg.MqttObsAutoSubscribe,
			DeleteOnDeregister: cfg.DeleteOnDeregister,
			MaxRetries:         cfg.MqttConnectRetries,
			LockWaitMs:         cfg.LockWaitMs,
		}, hooks, orch, reg, subs, async)
		if err := proc.InitListener(ctx, sess); err != nil {
			logging.Errorf("iothub: init listener: %v", err)
			return 1
		}
		processors = append(processors, proc)
	}

	if cfg.BackendLongPollURL != "" {
		dispatch := buildDispatcher(ctx, processors)
		reader := longpoll.NewReader(cfg.BackendLongPollURL, cfg.BackendAPIKey, dispatch)
		go reader.Run(ctx)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: bridgehttp.NewRouter(status, cfg.AdminAPIKey),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Infof("devicecloud-bridge listening on %s", cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Errorf("http server: %v", err)
		return 1
	}

	for _, p := range processors {
		p.StopListener()
	}
	return 0
}

func main() {
	os.Exit(run())
}
