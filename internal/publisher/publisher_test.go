package publisher

import (
	"math"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MouJieQin/aihome/internal/dht"
	"github.com/MouJieQin/aihome/internal/timer"
	"github.com/MouJieQin/aihome/internal/ze08"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type publishedMsg struct {
	topic    string
	payload  string
	retained bool
}

// fakeClient scripts the broker: the first connectFailures Connect
// calls are refused with connectErr, later ones succeed.
type fakeClient struct {
	connected       bool
	connectFailures int
	connectErr      error
	publishErr      error
	published       []publishedMsg
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectFailures > 0 {
		c.connectFailures--
		return &fakeToken{err: c.connectErr}
	}
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if c.publishErr != nil {
		return &fakeToken{err: c.publishErr}
	}
	c.published = append(c.published, publishedMsg{topic, payload.(string), retained})
	return &fakeToken{}
}

func (c *fakeClient) topics() []string {
	out := make([]string, len(c.published))
	for i, m := range c.published {
		out[i] = m.topic
	}
	return out
}

type fakeLink struct {
	up bool
}

func (l *fakeLink) IsUp() bool      { return l.up }
func (l *fakeLink) Reconnect() bool { return l.up }

type fakeClimate struct {
	reading dht.Reading
}

func (f *fakeClimate) Sample() dht.Reading { return f.reading }

type fakeCH2O struct {
	reading ze08.Reading
	ok      bool
}

func (f *fakeCH2O) Read() (ze08.Reading, bool) { return f.reading, f.ok }

func newTestPublisher(client Client, link LinkSupervisor, climate ClimateSource, ch2o CH2OSource) *Publisher {
	p := New(client, link, climate, ch2o, nil, 7*time.Second)
	// A clock pinned to zero: PushTick is exercised through push()
	// directly, the interval gating has its own tests in internal/timer.
	p.pushTimer = timer.NewWithClock(func() uint32 { return 0 })
	return p
}

func allValid() (*fakeClimate, *fakeCH2O) {
	return &fakeClimate{reading: dht.Reading{Temperature: 22.5, Humidity: 48.0}},
		&fakeCH2O{reading: ze08.Reading{PPB: 75, MgM3: 0.09375}, ok: true}
}

func TestPushPublishesDiscoveryThenReadingsInOrder(t *testing.T) {
	client := &fakeClient{}
	climate, ch2o := allValid()
	p := newTestPublisher(client, &fakeLink{up: true}, climate, ch2o)

	p.push()

	require.Equal(t, []string{
		ConfigTopicTemperature,
		ConfigTopicHumidity,
		ConfigTopicCH2O,
		TopicTemperature,
		TopicHumidity,
		TopicCH2O,
	}, client.topics())

	for _, msg := range client.published[:3] {
		assert.True(t, msg.retained, "discovery configs are retained: %s", msg.topic)
	}
	for _, msg := range client.published[3:] {
		assert.False(t, msg.retained, "readings are not retained: %s", msg.topic)
	}

	assert.Equal(t, "22.50", client.published[3].payload)
	assert.Equal(t, "48.00", client.published[4].payload)
	assert.Equal(t, "0.09375", client.published[5].payload)
}

func TestPushSkipsNaNAndFailedCH2O(t *testing.T) {
	client := &fakeClient{connected: true}
	climate := &fakeClimate{reading: dht.Reading{Temperature: math.NaN(), Humidity: 40.0}}
	ch2o := &fakeCH2O{ok: false}
	p := newTestPublisher(client, &fakeLink{up: true}, climate, ch2o)
	p.discoverySent = true // mid-session

	p.push()

	require.Len(t, client.published, 1, "exactly one reading this cycle")
	assert.Equal(t, TopicHumidity, client.published[0].topic)
	assert.Equal(t, "40.00", client.published[0].payload)
}

func TestPushAbortsWhenLinkDown(t *testing.T) {
	client := &fakeClient{}
	climate, ch2o := allValid()
	p := newTestPublisher(client, &fakeLink{up: false}, climate, ch2o)

	p.push()
	assert.Empty(t, client.published, "nothing published without a link")
}

func TestPushRecoversAfterBrokerOutage(t *testing.T) {
	// Broker down for two ticks; the third connects and discovery
	// precedes the first reading.
	client := &fakeClient{connectFailures: 2, connectErr: packets.ErrorRefusedServerUnavailable}
	climate, ch2o := allValid()
	p := newTestPublisher(client, &fakeLink{up: true}, climate, ch2o)

	p.push()
	p.push()
	assert.Empty(t, client.published, "no publishes while the broker refuses")

	p.push()
	require.NotEmpty(t, client.published)
	assert.Equal(t, ConfigTopicTemperature, client.published[0].topic)
	assert.Equal(t, []string{
		ConfigTopicTemperature, ConfigTopicHumidity, ConfigTopicCH2O,
		TopicTemperature, TopicHumidity, TopicCH2O,
	}, client.topics())
}

func TestDiscoveryRepublishedIdenticallyAfterReconnect(t *testing.T) {
	client := &fakeClient{}
	climate, ch2o := allValid()
	p := newTestPublisher(client, &fakeLink{up: true}, climate, ch2o)

	p.push()
	firstSession := make([]publishedMsg, 3)
	copy(firstSession, client.published[:3])

	// Session drop: the next push reconnects and re-announces.
	client.connected = false
	client.published = nil
	p.push()

	require.GreaterOrEqual(t, len(client.published), 3)
	for i := range firstSession {
		assert.Equal(t, firstSession[i], client.published[i], "retained config must be content-identical")
	}
}

func TestPublishFailureMarksSessionDirty(t *testing.T) {
	client := &fakeClient{connected: true}
	climate, ch2o := allValid()
	p := newTestPublisher(client, &fakeLink{up: true}, climate, ch2o)
	p.discoverySent = true

	client.publishErr = packets.ErrorNetworkError
	p.push()
	assert.False(t, p.discoverySent, "failed publish resets the discovery flag")

	// Healthy again: discovery goes out before readings.
	client.publishErr = nil
	p.push()
	require.NotEmpty(t, client.published)
	assert.Equal(t, ConfigTopicTemperature, client.published[0].topic)
}

func TestEnsureConnectedGatesReadings(t *testing.T) {
	client := &fakeClient{connectFailures: 1, connectErr: packets.ErrorRefusedNotAuthorised}
	climate, ch2o := allValid()
	p := newTestPublisher(client, &fakeLink{up: true}, climate, ch2o)

	assert.False(t, p.EnsureConnected())
	assert.Empty(t, client.published)

	assert.True(t, p.EnsureConnected())
	assert.Len(t, client.published, 3, "discovery rides the successful connect")
}

func TestPushTickHonorsInterval(t *testing.T) {
	client := &fakeClient{}
	climate, ch2o := allValid()
	p := New(client, &fakeLink{up: true}, climate, ch2o, nil, 7*time.Second)

	var now uint32
	p.pushTimer = timer.NewWithClock(func() uint32 { return now })

	p.PushTick() // arms only
	assert.Empty(t, client.published)

	now += 6999
	p.PushTick()
	assert.Empty(t, client.published)

	now += 1
	p.PushTick()
	assert.NotEmpty(t, client.published)
}

// stalledToken never completes: the broker accepted TCP and went quiet.
// WaitTimeout records each requested slice and reports timeout at once,
// so these tests run in no wall time.
type stalledToken struct {
	waits []time.Duration
}

func (t *stalledToken) Wait() bool { return false }
func (t *stalledToken) WaitTimeout(d time.Duration) bool {
	t.waits = append(t.waits, d)
	return false
}
func (t *stalledToken) Done() <-chan struct{} { return make(chan struct{}) }
func (t *stalledToken) Error() error          { return nil }

type stalledClient struct {
	connected bool
	token     *stalledToken
}

func (c *stalledClient) IsConnected() bool { return c.connected }
func (c *stalledClient) Connect() mqtt.Token {
	return c.token
}
func (c *stalledClient) Publish(string, byte, bool, interface{}) mqtt.Token {
	return c.token
}

func TestStalledConnectPetsWatchdogEverySlice(t *testing.T) {
	token := &stalledToken{}
	client := &stalledClient{token: token}
	climate, ch2o := allValid()

	pets := 0
	p := New(client, &fakeLink{up: true}, climate, ch2o, func() { pets++ }, 7*time.Second)
	p.pushTimer = timer.NewWithClock(func() uint32 { return 0 })

	p.push()

	require.NotEmpty(t, token.waits)
	var total time.Duration
	for _, d := range token.waits {
		assert.LessOrEqual(t, d, petSlice, "no single wait may outlast one pet slice")
		total += d
	}
	assert.Equal(t, connectTimeout, total, "the full connect budget is still spent")
	assert.Equal(t, len(token.waits), pets, "a pet follows every timed-out slice")
}

func TestStalledPublishPetsWatchdogEverySlice(t *testing.T) {
	token := &stalledToken{}
	client := &stalledClient{connected: true, token: token}
	climate, ch2o := allValid()

	pets := 0
	p := New(client, &fakeLink{up: true}, climate, ch2o, func() { pets++ }, 7*time.Second)
	p.pushTimer = timer.NewWithClock(func() uint32 { return 0 })
	p.discoverySent = true

	p.push()

	// Three stalled readings, each sliced into publishTimeout/petSlice waits.
	perPublish := int(publishTimeout / petSlice)
	require.Len(t, token.waits, 3*perPublish)
	for _, d := range token.waits {
		assert.LessOrEqual(t, d, petSlice)
	}
	assert.Equal(t, len(token.waits), pets)
	assert.False(t, p.discoverySent, "stalled publishes mark the session dirty")
}

func TestClassifyConnectError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", nil, "connect timeout"},
		{"bad protocol", packets.ErrorRefusedBadProtocolVersion, "bad protocol version"},
		{"id rejected", packets.ErrorRefusedIDRejected, "client id rejected"},
		{"unavailable", packets.ErrorRefusedServerUnavailable, "server unavailable"},
		{"bad credentials", packets.ErrorRefusedBadUsernameOrPassword, "bad username or password"},
		{"unauthorized", packets.ErrorRefusedNotAuthorised, "not authorized"},
		{"tcp failure", packets.ErrorNetworkError, "network failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyConnectError(tt.err))
		})
	}
}
