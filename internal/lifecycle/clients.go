package lifecycle

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultClientCapacity 限制同时跟踪的客户端数量，最久未出现的客户端会被淘汰。
const DefaultClientCapacity = 4096

// Client 是一个打开的页面。Controller 为接管它的 worker 标识，空串表示未被接管。
type Client struct {
	ID         string    `json:"id"`
	Controller string    `json:"controller"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Clients 记录页面与 worker 的控制关系。
type Clients struct {
	mu    sync.Mutex
	items *lru.Cache[string, Client]
	now   func() time.Time
}

// NewClients 创建客户端表；capacity <= 0 时使用 DefaultClientCapacity。
func NewClients(capacity int) *Clients {
	if capacity <= 0 {
		capacity = DefaultClientCapacity
	}
	items, err := lru.New[string, Client](capacity)
	if err != nil {
		panic(err)
	}
	return &Clients{items: items, now: time.Now}
}

// Touch 记录一次客户端访问。新客户端由当前 controller 接管（可为空）。
func (c *Clients) Touch(id, controller string) Client {
	id = strings.TrimSpace(id)
	if id == "" {
		return Client{Controller: controller}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.items.Get(id)
	if !ok {
		client = Client{ID: id, Controller: controller}
	}
	client.LastSeen = c.now().UTC()
	c.items.Add(id, client)
	return client
}

// Claim 让 controller 接管所有已知客户端，返回被接管的数量。
func (c *Clients) Claim(controller string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	claimed := 0
	for _, id := range c.items.Keys() {
		client, ok := c.items.Peek(id)
		if !ok {
			continue
		}
		if client.Controller != controller {
			client.Controller = controller
			claimed++
		}
		c.items.Add(id, client)
	}
	return claimed
}

// Controlled 判断客户端是否由 controller 接管；无标识的请求视为已接管。
func (c *Clients) Controlled(id, controller string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.items.Peek(id)
	return ok && client.Controller == controller
}

// List 返回按 ID 排序的客户端快照。
func (c *Clients) List() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Client, 0, c.items.Len())
	for _, id := range c.items.Keys() {
		if client, ok := c.items.Peek(id); ok {
			result = append(result, client)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
