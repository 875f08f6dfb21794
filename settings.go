package mqhost

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mqhost/contracts"
	"github.com/glimte/mqhost/internal/rabbitmq"
	"github.com/glimte/mqhost/messaging"
	"github.com/glimte/mqhost/serialization"
)

// Defaults applied by NewSettings
const (
	DefaultURL                  = "amqp://localhost:5672/"
	DefaultUsername             = "guest"
	DefaultPassword             = "guest"
	DefaultReconnectionInterval = 5 * time.Minute
)

// Environment variables read by ApplyEnv
const (
	EnvURL              = "MQHOST_URL"
	EnvUser             = "MQHOST_USER"
	EnvPassword         = "MQHOST_PASSWORD"
	EnvReconnectMinutes = "MQHOST_RECONNECT_MINUTES"
	EnvLogFullMessage   = "MQHOST_LOG_FULL_MESSAGE"
	EnvNamespaceTags    = "MQHOST_NAMESPACE_TAGS"
)

type consumerRegistration struct {
	queue       string
	messageType reflect.Type
	binding     func(aliases []string) messaging.Binding
}

type producerRegistration struct {
	queue       string
	messageType reflect.Type
}

// Settings is the configuration surface of a Host. Registrations are read
// every time the host starts, so changes made while running take effect on
// the next restart.
type Settings struct {
	mu sync.RWMutex

	url               string
	username          string
	password          string
	reconnectInterval time.Duration
	logFullMessage    bool
	namespaceTags     []string
	eventHandler      contracts.EventHandler

	consumers []consumerRegistration
	producers []producerRegistration
}

// NewSettings creates settings with the defaults: a local broker, guest
// credentials and a five minute reconnection interval
func NewSettings() *Settings {
	return &Settings{
		url:               DefaultURL,
		username:          DefaultUsername,
		password:          DefaultPassword,
		reconnectInterval: DefaultReconnectionInterval,
	}
}

// SettingsFromEnv creates default settings overlaid with the MQHOST_*
// environment variables
func SettingsFromEnv() (*Settings, error) {
	s := NewSettings()
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyEnv overlays values found through lookup
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	if v, ok := lookup(EnvURL); ok && v != "" {
		s.SetURL(v)
	}
	user, hasUser := lookup(EnvUser)
	password, hasPassword := lookup(EnvPassword)
	if hasUser || hasPassword {
		s.mu.RLock()
		if !hasUser {
			user = s.username
		}
		if !hasPassword {
			password = s.password
		}
		s.mu.RUnlock()
		s.SetCredentials(user, password)
	}
	if v, ok := lookup(EnvReconnectMinutes); ok && v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvReconnectMinutes, err))
		} else {
			s.SetReconnectionInterval(minutes)
		}
	}
	if v, ok := lookup(EnvLogFullMessage); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvLogFullMessage, err))
		} else if enabled {
			s.LogFullMessage()
		}
	}
	if v, ok := lookup(EnvNamespaceTags); ok {
		for _, tag := range strings.Split(v, ",") {
			s.AddNamespaceTag(tag)
		}
	}

	return errors.Join(errs...)
}

// SetURL sets the broker URL
func (s *Settings) SetURL(url string) *Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = strings.TrimSpace(url)
	return s
}

// SetCredentials sets the user name and password sent to the broker
func (s *Settings) SetCredentials(username, password string) *Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.password = password
	return s
}

// SetReconnectionInterval sets the delay between connection attempts in minutes
func (s *Settings) SetReconnectionInterval(minutes int) *Settings {
	return s.SetReconnectionDelay(time.Duration(minutes) * time.Minute)
}

// SetReconnectionDelay sets the delay between connection attempts
func (s *Settings) SetReconnectionDelay(delay time.Duration) *Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectInterval = delay
	return s
}

// AddNamespaceTag adds a namespace alias accepted in front of root elements,
// so "ns" also routes "<ns:Invoice>" to the Invoice consumer
func (s *Settings) AddNamespaceTag(alias string) *Settings {
	alias = strings.TrimSuffix(strings.TrimSpace(alias), ":")
	if alias == "" {
		return s
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.namespaceTags {
		if existing == alias {
			return s
		}
	}
	s.namespaceTags = append(s.namespaceTags, alias)
	return s
}

// LogFullMessage includes every received payload in the received event
func (s *Settings) LogFullMessage() *Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logFullMessage = true
	return s
}

// RegisterEventHandler sets the event sink. Only one handler is kept;
// registering another replaces it.
func (s *Settings) RegisterEventHandler(handler contracts.EventHandler) *Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandler = handler
	return s
}

// AddConsumer routes messages of type T arriving on queue to consumer. An
// empty queue means "<T>_in". A second registration of T on the same queue
// is ignored.
func AddConsumer[T any](s *Settings, queue string, consumer contracts.Consumer[T]) *Settings {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if strings.TrimSpace(queue) == "" {
		queue = DefaultQueueName(t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, reg := range s.consumers {
		if reg.queue == queue && reg.messageType == t {
			return s
		}
	}
	s.consumers = append(s.consumers, consumerRegistration{
		queue:       queue,
		messageType: t,
		binding: func(aliases []string) messaging.Binding {
			return messaging.BindingFor[T](consumer, aliases)
		},
	})
	return s
}

// AddProducer sends every published message of type T to queue. Pointer and
// value publishes of T both match.
func AddProducer[T any](s *Settings, queue string) *Settings {
	t := serialization.Normalize(reflect.TypeOf((*T)(nil)).Elem())

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, reg := range s.producers {
		if reg.queue == queue && reg.messageType == t {
			return s
		}
	}
	s.producers = append(s.producers, producerRegistration{queue: queue, messageType: t})
	return s
}

// DefaultQueueName is the consumer queue used when none is given
func DefaultQueueName(t reflect.Type) string {
	return serialization.SimpleName(t) + "_in"
}

// Validate checks the settings for values that can never work, including two
// consumer types with the same root element name on one queue. The URL
// syntax is checked when connecting.
func (s *Settings) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	if s.url == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if s.reconnectInterval <= 0 {
		errs = append(errs, fmt.Errorf("reconnection interval must be positive, got %v", s.reconnectInterval))
	}
	if s.password != "" && s.username == "" {
		errs = append(errs, errors.New("password given without a user name"))
	}
	queueTypes := make(map[string]*serialization.TypeRegistry)
	for _, reg := range s.consumers {
		types, ok := queueTypes[reg.queue]
		if !ok {
			types = serialization.NewTypeRegistry()
			queueTypes[reg.queue] = types
		}
		if err := types.Register(serialization.SimpleName(reg.messageType), reg.messageType); err != nil {
			errs = append(errs, fmt.Errorf("consumer of %v on queue %s: %w", reg.messageType, reg.queue, err))
		}
	}
	for _, reg := range s.producers {
		if strings.TrimSpace(reg.queue) == "" {
			errs = append(errs, fmt.Errorf("producer of %s has no queue", reg.messageType.Name()))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
	}
	return nil
}

// String describes the settings with the password redacted
func (s *Settings) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	password := ""
	if s.password != "" {
		password = "xxxxx"
	}
	return fmt.Sprintf("Settings{url=%s user=%s password=%s reconnect=%v fullMessages=%t namespaces=%v consumers=%d producers=%d}",
		rabbitmq.SanitizeURL(s.url), s.username, password, s.reconnectInterval,
		s.logFullMessage, s.namespaceTags, len(s.consumers), len(s.producers))
}

// snapshot is an immutable copy used for one start cycle
type snapshot struct {
	url               string
	username          string
	password          string
	reconnectInterval time.Duration
	logFullMessage    bool
	namespaceTags     []string
	eventHandler      contracts.EventHandler
	consumers         []consumerRegistration
	producers         []producerRegistration
}

func (s *Settings) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return snapshot{
		url:               s.url,
		username:          s.username,
		password:          s.password,
		reconnectInterval: s.reconnectInterval,
		logFullMessage:    s.logFullMessage,
		namespaceTags:     append([]string(nil), s.namespaceTags...),
		eventHandler:      s.eventHandler,
		consumers:         append([]consumerRegistration(nil), s.consumers...),
		producers:         append([]producerRegistration(nil), s.producers...),
	}
}
