// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"context"
	"sync"
)

// Local is the per-process group registry. It is the complete Fabric
// for single-node deployments and the delivery end of [Distributed]
// in a cluster.
type Local struct {
	mu     sync.RWMutex
	groups map[string]map[*localMembership]struct{}
}

// NewLocal creates an empty registry.
func NewLocal() *Local {
	return &Local{groups: make(map[string]map[*localMembership]struct{})}
}

type localMembership struct {
	registry *Local
	group    string
	sub      Subscriber
	once     sync.Once
}

func (m *localMembership) Leave() {
	m.once.Do(func() {
		m.registry.mu.Lock()
		defer m.registry.mu.Unlock()
		members := m.registry.groups[m.group]
		delete(members, m)
		if len(members) == 0 {
			delete(m.registry.groups, m.group)
		}
	})
}

func (l *Local) Join(group string, sub Subscriber) Membership {
	membership := &localMembership{registry: l, group: group, sub: sub}
	l.mu.Lock()
	defer l.mu.Unlock()
	members := l.groups[group]
	if members == nil {
		members = make(map[*localMembership]struct{})
		l.groups[group] = members
	}
	members[membership] = struct{}{}
	return membership
}

func (l *Local) Publish(ctx context.Context, group, event string, payload []byte) {
	l.mu.RLock()
	members := make([]Subscriber, 0, len(l.groups[group]))
	for membership := range l.groups[group] {
		members = append(members, membership.sub)
	}
	l.mu.RUnlock()

	// Deliver outside the lock: a subscriber's Deliver may Join or
	// Leave groups.
	for _, sub := range members {
		sub.Deliver(event, payload)
	}
}

// MemberCount reports the current number of subscribers in a group.
func (l *Local) MemberCount(group string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.groups[group])
}
