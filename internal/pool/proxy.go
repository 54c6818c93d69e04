package pool

import (
	"bufio"
	"os"
	"strings"
	"sync"
)

// ProxyList 维护一份代理地址列表，按轮询方式分配。
type ProxyList struct {
	mu      sync.Mutex
	proxies []string
	index   int
}

// NewProxyList 从给定地址构造列表，自动去重。
func NewProxyList(proxies []string) *ProxyList {
	seen := make(map[string]struct{}, len(proxies))
	unique := make([]string, 0, len(proxies))
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	return &ProxyList{proxies: unique}
}

// LoadProxyFile 读取代理文件，每行一个地址，# 开头为注释。
// 文件不存在时返回空列表，所有账户走直连。
func LoadProxyFile(path string) (*ProxyList, error) {
	if path == "" {
		return NewProxyList(nil), nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewProxyList(nil), nil
		}
		return nil, err
	}
	defer f.Close()

	var proxies []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		proxies = append(proxies, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return NewProxyList(proxies), nil
}

// Next 轮询返回下一个代理地址，列表为空时返回空串。
func (l *ProxyList) Next() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.proxies) == 0 {
		return ""
	}
	proxy := l.proxies[l.index]
	l.index = (l.index + 1) % len(l.proxies)
	return proxy
}

// Remove 摘除一个失效代理。
func (l *ProxyList) Remove(proxy string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range l.proxies {
		if p == proxy {
			l.proxies = append(l.proxies[:i], l.proxies[i+1:]...)
			if l.index >= len(l.proxies) {
				l.index = 0
			}
			return
		}
	}
}

// Len 返回当前代理数。
func (l *ProxyList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.proxies)
}
