package mesh

import (
	"sync"
)

// PacketPublisher implements part of the pubsub pattern allowing other parts of the system to subscribe and receive
// packets delivered to this node.
type PacketPublisher interface {
	Publish(packet *Packet)
}

// PacketSubscriber handles packets received from a publisher.
type PacketSubscriber interface {
	OnPacket(packet *Packet)
}

// SubscriberFunc adapts a plain function to PacketSubscriber.
type SubscriberFunc func(packet *Packet)

func (f SubscriberFunc) OnPacket(packet *Packet) {
	f(packet)
}

// FanOutPublisher hands every published packet to all subscribers concurrently
// and waits for them to finish.
type FanOutPublisher struct {
	mu          sync.RWMutex
	subscribers []PacketSubscriber
}

func (pub *FanOutPublisher) Subscribe(subscriber PacketSubscriber) {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	pub.subscribers = append(pub.subscribers, subscriber)
}

func (pub *FanOutPublisher) Publish(packet *Packet) {
	pub.mu.RLock()
	subscribers := pub.subscribers
	pub.mu.RUnlock()

	wg := sync.WaitGroup{}
	wg.Add(len(subscribers))
	for _, sub := range subscribers {
		sub := sub
		go func() {
			defer wg.Done()
			sub.OnPacket(packet)
		}()
	}
	wg.Wait()
}
