// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package simbus

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/simkit/simbus/internal/config"
	"github.com/simkit/simbus/internal/wire"
)

// controller is any typed handle created through the facade.
type controller interface {
	descriptor() wire.ServiceDescriptor
}

type controllerEntry struct {
	kind string
	ctl  controller
}

// encodeLabels renders a label set deterministically for the supplemental
// map ("k=v" pairs joined by ";").
func encodeLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func decodeLabels(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		if k, v, ok := strings.Cut(pair, "="); ok {
			out[k] = v
		}
	}
	return out
}

// labelsSubset reports whether every entry of want is present in have.
func labelsSubset(want, have map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// createController is the single allocation path for service ids and the
// idempotence gate: repeated creation under the same (network, name) returns
// the existing controller.
func (p *Participant) createController(kind, network, name string,
	build func(desc wire.ServiceDescriptor) controller) (controller, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	key := network + "/" + name

	p.mu.Lock()
	if existing, ok := p.controllers[key]; ok {
		p.mu.Unlock()
		if existing.kind != kind {
			return nil, ErrDuplicateService
		}
		return existing.ctl, nil
	}
	id := p.nextServiceID
	p.nextServiceID++
	p.mu.Unlock()

	desc := wire.ServiceDescriptor{
		ParticipantName: p.name,
		ParticipantID:   p.id,
		NetworkName:     network,
		ServiceName:     name,
		ServiceID:       id,
		ServiceType:     wire.ServiceController,
	}
	ctl := build(desc)
	desc = ctl.descriptor()

	p.mu.Lock()
	if existing, ok := p.controllers[key]; ok {
		// Lost a creation race under the same key.
		p.mu.Unlock()
		if existing.kind != kind {
			return nil, ErrDuplicateService
		}
		return existing.ctl, nil
	}
	p.controllers[key] = controllerEntry{kind: kind, ctl: ctl}
	p.mu.Unlock()

	p.disc.NotifyServiceCreated(desc)
	return ctl, nil
}

// configuredNetwork applies a per-controller Network override from the
// configuration document.
func (p *Participant) configuredNetwork(blocks []config.Controller, name, fallback string) string {
	for _, c := range blocks {
		if c.Name == name && c.Network != "" {
			return c.Network
		}
	}
	return fallback
}

// ---- publish/subscribe ----

// DataPublisher publishes byte payloads on one topic.
type DataPublisher struct {
	p    *Participant
	desc wire.ServiceDescriptor

	topic     string
	mediaType string
}

func (d *DataPublisher) descriptor() wire.ServiceDescriptor { return d.desc }

// CreateDataPublisher creates (or returns) the publisher with the given
// canonical name. history of 0 or 1 selects how many past publications a
// late-joining subscriber receives; labels are advertised for subscriber
// matching.
func (p *Participant) CreateDataPublisher(name, topic, mediaType string, labels map[string]string, history int) (*DataPublisher, error) {
	network := p.configuredNetwork(p.cfg.DataPublishers, name, topic)
	ctl, err := p.createController("data-publisher", network, name, func(desc wire.ServiceDescriptor) controller {
		desc.NetworkType = wire.NetworkData
		desc.Supplemental = map[string]string{
			wire.SupplDataTopic:     topic,
			wire.SupplDataMediaType: mediaType,
			wire.SupplDataLabels:    encodeLabels(labels),
			wire.SupplDataPubUUID:   uuid.NewString(),
			wire.SupplHistoryLength: strconv.Itoa(history),
		}
		return &DataPublisher{p: p, desc: desc, topic: topic, mediaType: mediaType}
	})
	if err != nil {
		return nil, err
	}
	return ctl.(*DataPublisher), nil
}

// Publish sends one payload to every matching subscriber in the domain.
func (d *DataPublisher) Publish(data []byte) {
	d.p.router.Broadcast(d.desc, wire.DataMessage{
		Timestamp: d.p.now(),
		Topic:     d.topic,
		MediaType: d.mediaType,
		Payload:   data,
	})
}

// DataSubscriber receives publications on one topic.
type DataSubscriber struct {
	p    *Participant
	desc wire.ServiceDescriptor

	topic     string
	mediaType string
	labels    map[string]string

	mu      sync.Mutex
	handler DataHandler
}

func (d *DataSubscriber) descriptor() wire.ServiceDescriptor { return d.desc }

// CreateDataSubscriber creates (or returns) the subscriber with the given
// canonical name. A subscriber matches publications whose topic and media
// type are equal and whose labels contain the subscriber's labels. The
// handler runs on the dispatch goroutine.
func (p *Participant) CreateDataSubscriber(name, topic, mediaType string, labels map[string]string, handler DataHandler) (*DataSubscriber, error) {
	network := p.configuredNetwork(p.cfg.DataSubscribers, name, topic)
	ctl, err := p.createController("data-subscriber", network, name, func(desc wire.ServiceDescriptor) controller {
		desc.NetworkType = wire.NetworkData
		desc.Supplemental = map[string]string{
			wire.SupplDataTopic:     topic,
			wire.SupplDataMediaType: mediaType,
			wire.SupplDataLabels:    encodeLabels(labels),
		}
		sub := &DataSubscriber{p: p, desc: desc, topic: topic, mediaType: mediaType, labels: labels, handler: handler}
		p.router.RegisterLocal(desc, sub.receive)
		return sub
	})
	if err != nil {
		return nil, err
	}
	return ctl.(*DataSubscriber), nil
}

// SetDataHandler replaces the subscriber's handler.
func (d *DataSubscriber) SetDataHandler(handler DataHandler) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
}

func (d *DataSubscriber) receive(from wire.ServiceDescriptor, msg wire.Message) {
	dm, ok := msg.(wire.DataMessage)
	if !ok || dm.Topic != d.topic || dm.MediaType != d.mediaType {
		return
	}
	if !labelsSubset(d.labels, decodeLabels(from.Supplement(wire.SupplDataLabels))) {
		return
	}
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler != nil {
		handler(DataEvent{
			Timestamp: dm.Timestamp,
			Publisher: from.ParticipantName,
			Data:      dm.Payload,
		})
	}
}

// ---- RPC ----

// RpcServer serves calls on one function channel.
type RpcServer struct {
	p    *Participant
	desc wire.ServiceDescriptor

	function  string
	mediaType string

	mu      sync.Mutex
	handler RpcHandler
}

func (s *RpcServer) descriptor() wire.ServiceDescriptor { return s.desc }

// CreateRpcServer creates (or returns) the server for the given function
// channel. The handler's return value is sent back to the caller.
func (p *Participant) CreateRpcServer(name, function, mediaType string, labels map[string]string, handler RpcHandler) (*RpcServer, error) {
	network := p.configuredNetwork(p.cfg.RpcServers, name, function)
	ctl, err := p.createController("rpc-server", network, name, func(desc wire.ServiceDescriptor) controller {
		desc.NetworkType = wire.NetworkRpc
		desc.Supplemental = map[string]string{
			wire.SupplRpcFunction:   function,
			wire.SupplRpcMediaType:  mediaType,
			wire.SupplDataLabels:    encodeLabels(labels),
			wire.SupplRpcServerUUID: uuid.NewString(),
		}
		srv := &RpcServer{p: p, desc: desc, function: function, mediaType: mediaType, handler: handler}
		p.router.RegisterLocal(desc, srv.receive)
		return srv
	})
	if err != nil {
		return nil, err
	}
	return ctl.(*RpcServer), nil
}

func (s *RpcServer) receive(from wire.ServiceDescriptor, msg wire.Message) {
	call, ok := msg.(wire.RpcCall)
	if !ok || call.Function != s.function {
		return
	}
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return
	}
	result := handler(RpcCallEvent{
		Timestamp: call.Timestamp,
		Caller:    from.ParticipantName,
		Data:      call.Payload,
	})
	s.p.router.SendTargeted(s.desc, from.ParticipantName, wire.RpcCallReturn{
		Timestamp: s.p.now(),
		CallUUID:  call.CallUUID,
		Status:    wire.RpcSuccess,
		Payload:   result,
	})
}

// RpcClient issues calls on one function channel.
type RpcClient struct {
	p    *Participant
	desc wire.ServiceDescriptor

	function  string
	mediaType string
	labels    map[string]string

	mu      sync.Mutex
	pending map[[16]byte]bool
	handler RpcResultHandler
}

func (c *RpcClient) descriptor() wire.ServiceDescriptor { return c.desc }

// CreateRpcClient creates (or returns) the client for the given function
// channel. resultHandler fires once per call, in call order.
func (p *Participant) CreateRpcClient(name, function, mediaType string, labels map[string]string, resultHandler RpcResultHandler) (*RpcClient, error) {
	network := p.configuredNetwork(p.cfg.RpcClients, name, function)
	ctl, err := p.createController("rpc-client", network, name, func(desc wire.ServiceDescriptor) controller {
		desc.NetworkType = wire.NetworkRpc
		desc.Supplemental = map[string]string{
			wire.SupplRpcFunction:   function,
			wire.SupplRpcMediaType:  mediaType,
			wire.SupplDataLabels:    encodeLabels(labels),
			wire.SupplRpcClientUUID: uuid.NewString(),
		}
		cl := &RpcClient{
			p: p, desc: desc, function: function, mediaType: mediaType, labels: labels,
			pending: make(map[[16]byte]bool),
			handler: resultHandler,
		}
		p.router.RegisterLocal(desc, cl.receive)
		return cl
	})
	if err != nil {
		return nil, err
	}
	return ctl.(*RpcClient), nil
}

// Call issues one call. Without any reachable matching server the result
// handler completes with RpcStatusServerNotReachable.
func (c *RpcClient) Call(data []byte) error {
	if !c.serverReachable() {
		c.p.dispatcher.Post(func() {
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler != nil {
				handler(RpcCallResultEvent{
					Timestamp: c.p.now(),
					Status:    RpcStatusServerNotReachable,
				})
			}
		})
		return nil
	}

	callID := [16]byte(uuid.New())
	c.mu.Lock()
	c.pending[callID] = true
	c.mu.Unlock()

	c.p.router.Broadcast(c.desc, wire.RpcCall{
		Timestamp: c.p.now(),
		CallUUID:  callID,
		Function:  c.function,
		Payload:   data,
	})
	return nil
}

// serverReachable checks the remote index and the local controller set for a
// matching server.
func (c *RpcClient) serverReachable() bool {
	remote := c.p.disc.Find(func(d wire.ServiceDescriptor) bool {
		return d.NetworkType == wire.NetworkRpc &&
			d.Supplement(wire.SupplRpcFunction) == c.function &&
			d.Supplement(wire.SupplRpcMediaType) == c.mediaType &&
			d.Supplement(wire.SupplRpcServerUUID) != "" &&
			labelsSubset(c.labels, decodeLabels(d.Supplement(wire.SupplDataLabels)))
	})
	if len(remote) > 0 {
		return true
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	for _, e := range c.p.controllers {
		if srv, ok := e.ctl.(*RpcServer); ok &&
			srv.function == c.function && srv.mediaType == c.mediaType {
			return true
		}
	}
	return false
}

func (c *RpcClient) receive(_ wire.ServiceDescriptor, msg wire.Message) {
	ret, ok := msg.(wire.RpcCallReturn)
	if !ok {
		return
	}
	c.mu.Lock()
	if !c.pending[ret.CallUUID] {
		c.mu.Unlock()
		return
	}
	delete(c.pending, ret.CallUUID)
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(RpcCallResultEvent{
			Timestamp: ret.Timestamp,
			Status:    RpcStatus(ret.Status),
			Data:      ret.Payload,
		})
	}
}

// ---- bus controllers ----

// BusController carries serialized controller payloads on one virtual bus.
// Frame semantics belong to the bus-specific layers; the runtime transports
// payloads and acknowledges transmissions.
type BusController struct {
	p    *Participant
	desc wire.ServiceDescriptor

	netType wire.NetworkType

	mu         sync.Mutex
	handlers   []FrameHandler
	txHandlers []FrameTransmitHandler
}

func (b *BusController) descriptor() wire.ServiceDescriptor { return b.desc }

func (p *Participant) createBusController(kind string, netType wire.NetworkType,
	blocks []config.Controller, name, network string) (*BusController, error) {
	network = p.configuredNetwork(blocks, name, network)
	ctl, err := p.createController(kind, network, name, func(desc wire.ServiceDescriptor) controller {
		desc.NetworkType = netType
		bc := &BusController{p: p, desc: desc, netType: netType}
		p.router.RegisterLocal(desc, bc.receive)
		return bc
	})
	if err != nil {
		return nil, err
	}
	return ctl.(*BusController), nil
}

// CreateCanController creates (or returns) a CAN payload controller.
func (p *Participant) CreateCanController(name, network string) (*BusController, error) {
	return p.createBusController("can", wire.NetworkCAN, p.cfg.CanControllers, name, network)
}

// CreateEthernetController creates (or returns) an Ethernet payload
// controller.
func (p *Participant) CreateEthernetController(name, network string) (*BusController, error) {
	return p.createBusController("ethernet", wire.NetworkEthernet, p.cfg.EthernetControllers, name, network)
}

// CreateLinController creates (or returns) a LIN payload controller.
func (p *Participant) CreateLinController(name, network string) (*BusController, error) {
	return p.createBusController("lin", wire.NetworkLIN, p.cfg.LinControllers, name, network)
}

// CreateFlexRayController creates (or returns) a FlexRay payload controller.
func (p *Participant) CreateFlexRayController(name, network string) (*BusController, error) {
	var blocks []config.Controller
	for _, fc := range p.cfg.FlexRayControllers {
		blocks = append(blocks, fc.Controller)
	}
	return p.createBusController("flexray", wire.NetworkFlexRay, blocks, name, network)
}

// AddFrameHandler registers a receive handler; handlers run in registration
// order on the dispatch goroutine.
func (b *BusController) AddFrameHandler(h FrameHandler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// AddFrameTransmitHandler registers a transmit acknowledgment handler.
func (b *BusController) AddFrameTransmitHandler(h FrameTransmitHandler) {
	b.mu.Lock()
	b.txHandlers = append(b.txHandlers, h)
	b.mu.Unlock()
}

// SendFrame transmits one payload on the controller's network. The local
// transmit acknowledgment carries the participant's current virtual time.
func (b *BusController) SendFrame(payload []byte) error {
	ts := b.p.now()
	b.p.router.Broadcast(b.desc, wire.BusFrame{
		NetworkType: b.netType,
		Timestamp:   ts,
		Payload:     payload,
	})

	b.mu.Lock()
	txHandlers := append([]FrameTransmitHandler(nil), b.txHandlers...)
	b.mu.Unlock()
	b.p.dispatcher.Post(func() {
		for _, h := range txHandlers {
			h(FrameTransmitEvent{Timestamp: ts, Status: TransmitStatusTransmitted})
		}
	})
	return nil
}

func (b *BusController) receive(from wire.ServiceDescriptor, msg wire.Message) {
	frame, ok := msg.(wire.BusFrame)
	if !ok || frame.NetworkType != b.netType {
		return
	}
	b.mu.Lock()
	handlers := append([]FrameHandler(nil), b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(FrameEvent{
			Timestamp: frame.Timestamp,
			Sender:    from.ParticipantName,
			Payload:   frame.Payload,
			Flags:     frame.Flags,
		})
	}
}
