// Package endpointtest runs in-process JSON-RPC nodes for tests that need a
// pool of endpoints without a network.
package endpointtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"tradeexec/apps/executor/internal/endpoint"
	"tradeexec/apps/executor/internal/model"
)

var ErrInjected = errors.New("injected failure")

// Node is a fake ledger node serving the eth_ methods the executor uses and a
// builder_buildTransaction method.
type Node struct {
	Name string

	server *rpc.Server

	mu          sync.Mutex
	failAll     bool
	failMethods map[string]bool
	delay       time.Duration
	calls       map[string]int
	known       map[common.Hash]bool
	buildErr    error
}

func NewNode(name string) *Node {
	n := &Node{
		Name:        name,
		server:      rpc.NewServer(),
		failMethods: make(map[string]bool),
		calls:       make(map[string]int),
		known:       make(map[common.Hash]bool),
	}
	if err := n.server.RegisterName("eth", &ethService{node: n}); err != nil {
		panic(err)
	}
	if err := n.server.RegisterName("builder", &builderService{node: n}); err != nil {
		panic(err)
	}
	return n
}

// SetFailing makes every method return an error.
func (n *Node) SetFailing(failing bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failAll = failing
}

// FailMethod makes a single RPC method, e.g. "eth_sendRawTransaction", fail.
func (n *Node) FailMethod(method string, failing bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failMethods[method] = failing
}

// SetDelay delays every response.
func (n *Node) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// SetBuildError makes builder_buildTransaction fail with err.
func (n *Node) SetBuildError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buildErr = err
}

// MarkKnown makes eth_getTransactionByHash report hash as mined.
func (n *Node) MarkKnown(hash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.known[common.HexToHash(hash)] = true
}

// Calls returns how many times method was served.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// TotalCalls returns the number of calls over every method.
func (n *Node) TotalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func (n *Node) Close() {
	n.server.Stop()
}

func (n *Node) enter(ctx context.Context, method string) error {
	n.mu.Lock()
	n.calls[method]++
	fail := n.failAll || n.failMethods[method]
	delay := n.delay
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if fail {
		return fmt.Errorf("%s on %s: %w", method, n.Name, ErrInjected)
	}
	return nil
}

type ethService struct {
	node *Node
}

func (s *ethService) BlockNumber(ctx context.Context) (hexutil.Uint64, error) {
	if err := s.node.enter(ctx, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return hexutil.Uint64(1), nil
}

func (s *ethService) SendRawTransaction(ctx context.Context, raw hexutil.Bytes) (common.Hash, error) {
	if err := s.node.enter(ctx, "eth_sendRawTransaction"); err != nil {
		return common.Hash{}, err
	}
	return s.node.accept(raw), nil
}

type Bundle struct {
	Txs []hexutil.Bytes `json:"txs"`
}

func (s *ethService) SendBundle(ctx context.Context, bundle Bundle) (map[string]string, error) {
	if err := s.node.enter(ctx, "eth_sendBundle"); err != nil {
		return nil, err
	}
	var hash common.Hash
	for _, raw := range bundle.Txs {
		hash = s.node.accept(raw)
	}
	return map[string]string{"bundleHash": hash.Hex()}, nil
}

func (s *ethService) GetTransactionByHash(ctx context.Context, hash common.Hash) (map[string]string, error) {
	if err := s.node.enter(ctx, "eth_getTransactionByHash"); err != nil {
		return nil, err
	}
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	if !s.node.known[hash] {
		return nil, nil
	}
	return map[string]string{"hash": hash.Hex()}, nil
}

func (n *Node) accept(raw hexutil.Bytes) common.Hash {
	hash := crypto.Keccak256Hash(raw)
	n.mu.Lock()
	n.known[hash] = true
	n.mu.Unlock()
	return hash
}

type builderService struct {
	node *Node
}

// BuildTransaction encodes the market and action as the raw payload so each
// signal yields a distinct hash.
func (s *builderService) BuildTransaction(ctx context.Context, signal model.Signal) (*model.Transaction, error) {
	if err := s.node.enter(ctx, "builder_buildTransaction"); err != nil {
		return nil, err
	}
	s.node.mu.Lock()
	buildErr := s.node.buildErr
	s.node.mu.Unlock()
	if buildErr != nil {
		return nil, buildErr
	}

	raw := []byte(signal.Action + ":" + signal.Market + ":" + signal.Size.String() + ":" + signal.IdempotencyKey)
	return &model.Transaction{Raw: raw, Type: signal.Type(), Value: signal.Price}, nil
}

// Cluster is a set of nodes addressable by endpoint name.
type Cluster struct {
	nodes map[string]*Node
}

func NewCluster(names ...string) *Cluster {
	c := &Cluster{nodes: make(map[string]*Node, len(names))}
	for _, name := range names {
		c.nodes[name] = NewNode(name)
	}
	return c
}

func (c *Cluster) Node(name string) *Node {
	return c.nodes[name]
}

// Dial satisfies endpoint.Dialer by connecting in-process to the node named
// like the endpoint.
func (c *Cluster) Dial(ctx context.Context, cfg model.EndpointConfig) (endpoint.Caller, error) {
	node, ok := c.nodes[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("no test node named %s", cfg.Name)
	}
	return rpc.DialInProc(node.server), nil
}

// Endpoints returns one endpoint config per name, with priorities following
// argument order.
func (c *Cluster) Endpoints(names ...string) []model.EndpointConfig {
	configs := make([]model.EndpointConfig, 0, len(names))
	for i, name := range names {
		configs = append(configs, model.EndpointConfig{
			Name:     name,
			URL:      "inproc://" + name,
			Priority: i + 1,
			Timeout:  time.Second,
		})
	}
	return configs
}

func (c *Cluster) Close() {
	for _, n := range c.nodes {
		n.Close()
	}
}
