package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/state"
	"github.com/srg/blemgr/internal/task"
	"github.com/srg/blemgr/internal/testutils"
	"github.com/srg/blemgr/internal/throttle"
	"github.com/srg/blemgr/pkg/config"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu           sync.Mutex
	got          []published
	fail         map[string]error
	disconnected bool
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return newToken(p.fail[topic])
}

func (p *fakePublisher) Disconnect(uint) {
	p.mu.Lock()
	p.disconnected = true
	p.mu.Unlock()
}

func (p *fakePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.got...)
}

type SinkTestSuite struct {
	suite.Suite
	pub  *fakePublisher
	sink *Sink
}

func (suite *SinkTestSuite) SetupTest() {
	suite.pub = &fakePublisher{fail: map[string]error{}}
	cfg := config.DefaultConfig().MQTT
	cfg.TopicPrefix = "home/ble"
	suite.sink = New(context.Background(), suite.pub, cfg, testutils.NewTestHelper(suite.T()).Logger)
}

func (suite *SinkTestSuite) TearDownTest() {
	suite.NoError(suite.sink.Close())
}

func (suite *SinkTestSuite) TestPublishesEveryEventKind() {
	// GOAL: Verify each outward event lands on its topic as JSON, state topics retained
	//
	// TEST SCENARIO: Fire manager state, device state, rw and uhoh through the listeners → Close flushes → four publishes in order
	var seen []string
	l := suite.sink.Listeners(manager.Listeners{
		DeviceState: func(e state.Event[state.DeviceState]) { seen = append(seen, e.Entity) },
	})

	l.ManagerState(state.Event[state.ManagerState]{
		Entity: "manager", Old: state.Of(state.ManagerOff), New: state.Of(state.ManagerOn), Intent: state.IntentIntentional, Status: -1,
	})
	l.DeviceState(state.Event[state.DeviceState]{
		Entity: "AA:BB:CC:DD:EE:FF",
		Old:    state.Of(state.DeviceConnecting, state.DeviceConnectingOverall),
		New:    state.Of(state.DeviceConnected, state.DeviceConnectingOverall),
		Intent: state.IntentIntentional,
	})
	l.ReadWrite(manager.ReadWriteEvent{
		Type: manager.RWRead, MAC: "AA:BB:CC:DD:EE:FF", Service: "180f", Characteristic: "2a19",
		Data: []byte{0x32}, Result: task.Succeeded,
	})
	l.UhOh(throttle.Event{UhOh: throttle.BondTimedOut, Remedy: throttle.WaitAndSee})

	suite.Require().NoError(suite.sink.Close())
	suite.Equal([]string{"AA:BB:CC:DD:EE:FF"}, seen, "existing listener MUST still run")

	got := suite.pub.messages()
	suite.Require().Len(got, 4)
	suite.Equal("home/ble/manager/state", got[0].topic)
	suite.True(got[0].retained, "state topics MUST be retained")
	suite.Equal("home/ble/device/AA:BB:CC:DD:EE:FF/state", got[1].topic)
	suite.Equal("home/ble/device/AA:BB:CC:DD:EE:FF/rw", got[2].topic)
	suite.False(got[2].retained, "rw events MUST NOT be retained")
	suite.Equal("home/ble/uhoh", got[3].topic)
	suite.Equal(byte(1), got[3].qos)

	var st stateMessage
	suite.Require().NoError(json.Unmarshal(got[1].payload, &st))
	suite.Equal(state.FormatDevice(state.Of(state.DeviceConnected, state.DeviceConnectingOverall)), st.States)
	suite.Equal(state.DeviceConnected.String(), st.Entered)
	suite.Equal(state.DeviceConnecting.String(), st.Exited)
	suite.Equal("INTENTIONAL", st.Intent)

	var rw rwMessage
	suite.Require().NoError(json.Unmarshal(got[2].payload, &rw))
	suite.Equal("READ", rw.Type)
	suite.Equal([]byte{0x32}, rw.Data)
	suite.Equal(task.Succeeded.String(), rw.Result)

	var u uhohMessage
	suite.Require().NoError(json.Unmarshal(got[3].payload, &u))
	suite.Equal(throttle.BondTimedOut.String(), u.UhOh)
	suite.Equal(throttle.WaitAndSee.String(), u.Remedy)

	suite.True(suite.pub.disconnected, "Close MUST disconnect the client")
}

func (suite *SinkTestSuite) TestPublishFailureDoesNotStopPump() {
	// GOAL: Verify a broker error on one message is logged and later messages still go out
	//
	// TEST SCENARIO: uhoh topic fails → rw publish still happens
	suite.pub.mu.Lock()
	suite.pub.fail["home/ble/uhoh"] = errors.New("not authorized")
	suite.pub.mu.Unlock()

	l := suite.sink.Listeners(manager.Listeners{})
	l.UhOh(throttle.Event{UhOh: throttle.DeadObject, Remedy: throttle.RestartPhone})
	l.ReadWrite(manager.ReadWriteEvent{Type: manager.RWWrite, MAC: "11:22:33:44:55:66", Result: task.Failed, Err: errors.New("boom")})
	suite.Require().NoError(suite.sink.Close())

	got := suite.pub.messages()
	suite.Require().Len(got, 2)
	var rw rwMessage
	suite.Require().NoError(json.Unmarshal(got[1].payload, &rw))
	suite.Equal("boom", rw.Error)
}

func (suite *SinkTestSuite) TestEventsAfterCloseAreDropped() {
	l := suite.sink.Listeners(manager.Listeners{})
	suite.Require().NoError(suite.sink.Close())
	suite.NotPanics(func() {
		l.UhOh(throttle.Event{UhOh: throttle.DeadObject})
	})
	suite.Empty(suite.pub.messages())
}

func TestSinkTestSuite(t *testing.T) {
	suite.Run(t, new(SinkTestSuite))
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "device/a_b/rw", Topics{}.DeviceRW("a/b"), "topic levels MUST NOT be split by device keys")
	assert.Equal(t, "p/manager/state", Topics{Prefix: "p"}.ManagerState())
}
