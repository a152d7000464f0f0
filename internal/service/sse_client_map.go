package service

import (
	"sync"
)

func NewSSEClientMap[T any]() *SSEClientMap[T] {
	return &SSEClientMap[T]{
		clients: make(map[string]chan T),
	}
}

type SSEClientMap[T any] struct {
	m       sync.Mutex
	clients map[string]chan T
}

func (cm *SSEClientMap[T]) AddClient(uid string) {
	cm.m.Lock()
	defer cm.m.Unlock()
	cm.clients[uid] = make(chan T, 16)
}

func (cm *SSEClientMap[T]) RemoveClient(uid string) {
	cm.m.Lock()
	defer cm.m.Unlock()
	if ch, ok := cm.clients[uid]; ok {
		close(ch)
		delete(cm.clients, uid)
	}
}

// SendToClients delivers a message to every connected client. Slow
// clients drop messages instead of stalling the run.
func (cm *SSEClientMap[T]) SendToClients(message T) {
	cm.m.Lock()
	defer cm.m.Unlock()
	for i := range cm.clients {
		select {
		case cm.clients[i] <- message:
		default:
		}
	}
}

func (cm *SSEClientMap[T]) GetClient(uid string) chan T {
	cm.m.Lock()
	defer cm.m.Unlock()
	return cm.clients[uid]
}
