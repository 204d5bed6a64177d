package serial

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/bleuart/internal/ble"
	"github.com/chaz8081/bleuart/internal/ble/bletest"
)

func zeroDelayOpts() Options {
	opts := DefaultOptions()
	opts.ReadvertiseDelay = 0
	return opts
}

// newActivePort returns an initialized port on a fake stack.
func newActivePort(t *testing.T, opts Options) (*Port, *bletest.Stack) {
	t.Helper()
	stack := bletest.NewStack()
	port := NewPort(stack, opts)
	if err := port.Init("MyDevice"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = port.Deinit() })
	return port, stack
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInitRegistersUARTService(t *testing.T) {
	_, stack := newActivePort(t, zeroDelayOpts())

	if stack.Name() != "MyDevice" {
		t.Errorf("device name = %q, want %q", stack.Name(), "MyDevice")
	}
	if !stack.HasService(ble.ServiceUUID) {
		t.Fatal("UART service not registered")
	}
	if !stack.Advertising() {
		t.Error("stack should be advertising after Init()")
	}

	tx, ok := stack.CharacteristicConfig(ble.TXCharUUID)
	if !ok {
		t.Fatal("TX characteristic not registered")
	}
	if tx.Properties != ble.PropertyRead|ble.PropertyNotify {
		t.Errorf("TX properties = %b, want read|notify", tx.Properties)
	}
	rx, ok := stack.CharacteristicConfig(ble.RXCharUUID)
	if !ok {
		t.Fatal("RX characteristic not registered")
	}
	if rx.Properties != ble.PropertyWrite {
		t.Errorf("RX properties = %b, want write", rx.Properties)
	}
	if rx.OnWrite == nil {
		t.Error("RX characteristic has no write handler")
	}

	want := []string{"Enable", "SetConnectHandler", "AddService", "StartAdvertising"}
	if got := stack.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("stack calls = %v, want %v", got, want)
	}
}

func TestInitTwice(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())

	err := port.Init("Other")
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Init() error = %v, want ErrAlreadyActive", err)
	}
	if stack.CallCount("Enable") != 1 {
		t.Errorf("Enable called %d times, want 1", stack.CallCount("Enable"))
	}
	if stack.Name() != "MyDevice" {
		t.Errorf("device name = %q, want unchanged %q", stack.Name(), "MyDevice")
	}
}

func TestInitRollback(t *testing.T) {
	for _, method := range []string{"AddService", "StartAdvertising"} {
		t.Run(method, func(t *testing.T) {
			stack := bletest.NewStack()
			injected := fmt.Errorf("injected %s failure", method)
			stack.Fail(method, injected)
			port := NewPort(stack, zeroDelayOpts())

			err := port.Init("MyDevice")
			if !errors.Is(err, injected) {
				t.Fatalf("Init() error = %v, want %v", err, injected)
			}
			if stack.Enabled() {
				t.Error("stack should be disabled after a failed Init()")
			}
			if port.SendOne("x") != NotConnected {
				t.Error("SendOne() after failed Init() should return NotConnected")
			}

			// The port stays usable.
			stack.Fail(method, nil)
			if err := port.Init("MyDevice"); err != nil {
				t.Fatalf("Init() after clearing failure error = %v", err)
			}
			_ = port.Deinit()
		})
	}
}

func TestInitEnableFailure(t *testing.T) {
	stack := bletest.NewStack()
	stack.Fail("Enable", errors.New("no adapter"))
	port := NewPort(stack, zeroDelayOpts())

	if err := port.Init("MyDevice"); err == nil {
		t.Fatal("Init() should fail when the stack cannot be enabled")
	}
	if stack.CallCount("AddService") != 0 {
		t.Error("AddService should not be called after Enable fails")
	}
}

func TestScenarioConnectedRoundTrip(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())

	stack.Connect()
	if !port.IsConnected() {
		t.Fatal("IsConnected() = false after connect")
	}
	if !stack.Write(ble.RXCharUUID, []byte("hello")) {
		t.Fatal("RX write was not delivered")
	}
	if got := port.DataAvailable(); got != 1 {
		t.Errorf("DataAvailable() = %d, want 1", got)
	}
	if got := port.ReceiveOne(); got != "hello" {
		t.Errorf("ReceiveOne() = %q, want %q", got, "hello")
	}
	if got := port.DataAvailable(); got != 0 {
		t.Errorf("DataAvailable() = %d, want 0", got)
	}
	if got := port.SendOne("ack"); got != SendOK {
		t.Errorf("SendOne() = %d, want %d", got, SendOK)
	}

	notes := stack.Characteristic(ble.TXCharUUID).Notifications()
	if len(notes) != 1 || string(notes[0]) != "ack" {
		t.Errorf("TX notifications = %q, want [\"ack\"]", notes)
	}
}

func TestScenarioNeverConnected(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())

	if got := port.DataAvailable(); got != NotConnected {
		t.Errorf("DataAvailable() = %d, want %d", got, NotConnected)
	}
	if got := port.SendOne("x"); got != NotConnected {
		t.Errorf("SendOne() = %d, want %d", got, NotConnected)
	}
	if err := port.Send("x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
	if n := len(stack.Characteristic(ble.TXCharUUID).Notifications()); n != 0 {
		t.Errorf("%d notifications sent while disconnected, want 0", n)
	}
}

func TestDataAvailableIgnoresQueueWhenDisconnected(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())

	stack.Connect()
	stack.Write(ble.RXCharUUID, []byte("a"))
	stack.Write(ble.RXCharUUID, []byte("b"))
	stack.Disconnect()

	if got := port.DataAvailable(); got != NotConnected {
		t.Errorf("DataAvailable() = %d, want %d with 2 queued", got, NotConnected)
	}
}

func TestReceiveAfterDisconnect(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())

	stack.Connect()
	for _, m := range []string{"one", "two", "three"} {
		stack.Write(ble.RXCharUUID, []byte(m))
	}
	stack.Disconnect()

	for _, want := range []string{"one", "two", "three"} {
		if got := port.ReceiveOne(); got != want {
			t.Errorf("ReceiveOne() = %q, want %q", got, want)
		}
	}
	if got := port.ReceiveOne(); got != "" {
		t.Errorf("ReceiveOne() on empty queue = %q, want empty", got)
	}
}

func TestReceiveDistinguishesEmptyMessage(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())

	stack.Connect()
	stack.Write(ble.RXCharUUID, nil)

	msg, ok := port.Receive()
	if !ok || msg != "" {
		t.Errorf("Receive() = (%q, %v), want (\"\", true)", msg, ok)
	}
	msg, ok = port.Receive()
	if ok {
		t.Errorf("Receive() on empty queue = (%q, %v), want ok = false", msg, ok)
	}
}

func TestSetInboundCapacity(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())
	stack.Connect()

	port.SetInboundCapacity(64)
	stack.Write(ble.RXCharUUID, []byte("kept"))

	port.SetInboundCapacity(0)
	port.SetInboundCapacity(-5)

	if got := port.inbound.Capacity(); got != 64 {
		t.Errorf("capacity = %d, want 64", got)
	}
	if got := port.DataAvailable(); got != 1 {
		t.Errorf("DataAvailable() = %d, want 1", got)
	}
	if got := port.ReceiveOne(); got != "kept" {
		t.Errorf("ReceiveOne() = %q, want %q", got, "kept")
	}
}

func TestInitResetsInboundQueue(t *testing.T) {
	stack := bletest.NewStack()
	opts := zeroDelayOpts()
	opts.InboundCapacity = 200
	port := NewPort(stack, opts)
	port.SetInboundCapacity(5)
	port.inbound.Push("stale")

	if err := port.Init("MyDevice"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer port.Deinit()

	if port.inbound.Len() != 0 {
		t.Errorf("queue length after Init() = %d, want 0", port.inbound.Len())
	}
	if port.inbound.Capacity() != 200 {
		t.Errorf("capacity after Init() = %d, want 200", port.inbound.Capacity())
	}
}

func TestDeinit(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())

	stack.Connect()
	stack.Write(ble.RXCharUUID, []byte("dropped"))

	if err := port.Deinit(); err != nil {
		t.Fatalf("Deinit() error = %v", err)
	}

	if port.IsConnected() {
		t.Error("IsConnected() = true after Deinit()")
	}
	if got := port.DataAvailable(); got != NotConnected {
		t.Errorf("DataAvailable() = %d, want %d", got, NotConnected)
	}
	if got := port.ReceiveOne(); got != "" {
		t.Errorf("ReceiveOne() = %q, want empty", got)
	}
	if port.inbound.Len() != 0 {
		t.Errorf("queue length = %d, want 0", port.inbound.Len())
	}
	if stack.HasService(ble.ServiceUUID) {
		t.Error("UART service still registered after Deinit()")
	}
	if stack.Enabled() || stack.Advertising() {
		t.Error("stack still enabled or advertising after Deinit()")
	}
	if port.SendOne("late") != NotConnected {
		t.Error("SendOne() after Deinit() should return NotConnected")
	}

	calls := stack.CallCount("Disable")
	if err := port.Deinit(); err != nil {
		t.Errorf("second Deinit() error = %v", err)
	}
	if stack.CallCount("Disable") != calls {
		t.Error("second Deinit() should not touch the stack")
	}
}

func TestDeinitCollectsErrors(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())
	errStop := errors.New("stop failed")
	errDisable := errors.New("disable failed")
	stack.Fail("StopAdvertising", errStop)
	stack.Fail("Disable", errDisable)

	err := port.Deinit()
	if err == nil {
		t.Fatal("Deinit() should report stack errors")
	}
	if !errors.Is(err, errStop) || !errors.Is(err, errDisable) {
		t.Errorf("Deinit() error = %v, want both stack errors", err)
	}
	if stack.CallCount("RemoveService") != 1 {
		t.Error("RemoveService should still be called after StopAdvertising fails")
	}
	if err := port.Init("again"); err != nil {
		t.Errorf("Init() after failed Deinit() error = %v", err)
	}
}

func TestSendNotifyFailure(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())
	stack.Connect()
	injected := errors.New("radio busy")
	stack.Characteristic(ble.TXCharUUID).FailNotify(injected)

	if got := port.SendOne("x"); got != NotConnected {
		t.Errorf("SendOne() = %d, want %d on notify failure", got, NotConnected)
	}
	if err := port.Send("x"); !errors.Is(err, injected) {
		t.Errorf("Send() error = %v, want %v", err, injected)
	}
}

func TestSendSetsCharacteristicValue(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())
	stack.Connect()

	port.SendOne("first")
	port.SendOne("second")

	tx := stack.Characteristic(ble.TXCharUUID)
	if got := string(tx.Value()); got != "second" {
		t.Errorf("TX value = %q, want %q", got, "second")
	}
	if n := len(tx.Notifications()); n != 2 {
		t.Errorf("%d notifications, want 2", n)
	}
}

func TestReadvertiseAfterDisconnect(t *testing.T) {
	_, stack := newActivePort(t, zeroDelayOpts())

	stack.Connect()
	if stack.Advertising() {
		t.Fatal("fake stack should stop advertising on connect")
	}
	stack.Disconnect()

	waitFor(t, "advertising to restart", stack.Advertising)
	if n := stack.CallCount("StartAdvertising"); n != 2 {
		t.Errorf("StartAdvertising called %d times, want 2", n)
	}
}

func TestReadvertiseWaitsForDelay(t *testing.T) {
	opts := DefaultOptions()
	opts.ReadvertiseDelay = 50 * time.Millisecond
	_, stack := newActivePort(t, opts)

	stack.Connect()
	start := time.Now()
	stack.Disconnect()

	waitFor(t, "advertising to restart", stack.Advertising)
	if elapsed := time.Since(start); elapsed < opts.ReadvertiseDelay {
		t.Errorf("advertising restarted after %v, want at least %v", elapsed, opts.ReadvertiseDelay)
	}
}

func TestNoReadvertiseAfterDeinit(t *testing.T) {
	opts := DefaultOptions()
	opts.ReadvertiseDelay = 30 * time.Millisecond
	port, stack := newActivePort(t, opts)

	stack.Connect()
	stack.Disconnect()
	if err := port.Deinit(); err != nil {
		t.Fatalf("Deinit() error = %v", err)
	}

	time.Sleep(3 * opts.ReadvertiseDelay)
	if n := stack.CallCount("StartAdvertising"); n != 1 {
		t.Errorf("StartAdvertising called %d times, want 1", n)
	}
}

func TestReconnectCancelsReadvertise(t *testing.T) {
	opts := DefaultOptions()
	opts.ReadvertiseDelay = 30 * time.Millisecond
	port, stack := newActivePort(t, opts)

	stack.Connect()
	stack.Disconnect()
	stack.Connect()

	time.Sleep(3 * opts.ReadvertiseDelay)
	if n := stack.CallCount("StartAdvertising"); n != 1 {
		t.Errorf("StartAdvertising called %d times, want 1", n)
	}
	if !port.IsConnected() {
		t.Error("IsConnected() = false after reconnect")
	}
}

func TestConnectionEventIgnoredWhenInactive(t *testing.T) {
	port := NewPort(bletest.NewStack(), zeroDelayOpts())
	port.onConnectionEvent(true)
	if port.IsConnected() {
		t.Error("connection event on an uninitialized port should be ignored")
	}
}

func TestConcurrentWritesAndReceives(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())
	stack.Connect()

	const n = 500
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			stack.Write(ble.RXCharUUID, []byte(fmt.Sprintf("msg-%03d", i)))
		}
	}()

	var got []string
	go func() {
		defer wg.Done()
		for len(got) < n {
			if msg, ok := port.Receive(); ok {
				got = append(got, msg)
			}
			_ = port.DataAvailable()
		}
	}()
	wg.Wait()

	for i, msg := range got {
		if want := fmt.Sprintf("msg-%03d", i); msg != want {
			t.Fatalf("message %d = %q, want %q", i, msg, want)
		}
	}
}

func TestNewPortDefaults(t *testing.T) {
	port := NewPort(bletest.NewStack(), Options{ReadvertiseDelay: -1})
	def := DefaultOptions()
	if port.opts.InboundCapacity != def.InboundCapacity {
		t.Errorf("InboundCapacity = %d, want %d", port.opts.InboundCapacity, def.InboundCapacity)
	}
	if port.opts.ReadvertiseDelay != def.ReadvertiseDelay {
		t.Errorf("ReadvertiseDelay = %v, want %v", port.opts.ReadvertiseDelay, def.ReadvertiseDelay)
	}
	if port.log == nil {
		t.Error("logger should default to a no-op logger")
	}
	if !strings.HasPrefix(ErrNotConnected.Error(), "serial:") {
		t.Errorf("ErrNotConnected = %q, want serial: prefix", ErrNotConnected)
	}
}

func TestWriteAfterDeinitDropped(t *testing.T) {
	port, stack := newActivePort(t, zeroDelayOpts())
	// The service stays registered, as on stacks that cannot remove it.
	stack.Fail("RemoveService", errors.New("not supported"))

	stack.Connect()
	if err := port.Deinit(); err == nil {
		t.Fatal("Deinit() should report the RemoveService failure")
	}

	if !stack.Write(ble.RXCharUUID, []byte("late")) {
		t.Fatal("RX write was not delivered")
	}
	if got := port.ReceiveOne(); got != "" {
		t.Errorf("ReceiveOne() after Deinit() = %q, want empty", got)
	}
	if port.inbound.Len() != 0 {
		t.Errorf("queue length after Deinit() = %d, want 0", port.inbound.Len())
	}
}

func TestWriteDuringInitKept(t *testing.T) {
	stack := bletest.NewStack()
	port := NewPort(stack, zeroDelayOpts())
	// A central can connect and write before advertising is reported as
	// started.
	stack.OnCall("StartAdvertising", func() {
		stack.Connect()
		stack.Write(ble.RXCharUUID, []byte("early"))
	})

	if err := port.Init("MyDevice"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer port.Deinit()

	if !port.IsConnected() {
		t.Error("IsConnected() = false after a connect during Init()")
	}
	if got := port.ReceiveOne(); got != "early" {
		t.Errorf("ReceiveOne() = %q, want %q", got, "early")
	}
}
