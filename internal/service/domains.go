package service

import (
	"strings"

	"aliasrelay/backend/internal/config"
)

// Domains 描述服务自有的共享域名集合
type Domains struct {
	root string
	all  []string
}

// NewDomains 根据邮件配置构造共享域名集合
func NewDomains(cfg config.MailConfig) Domains {
	all := make([]string, 0, len(cfg.AllDomains)+1)
	all = append(all, strings.ToLower(cfg.RootDomain))
	for _, d := range cfg.AllDomains {
		d = strings.ToLower(d)
		if d != all[0] {
			all = append(all, d)
		}
	}
	return Domains{root: all[0], all: all}
}

// Root 返回根域名
func (d Domains) Root() string { return d.root }

// IsShared 判断域名是否恰好是某个共享域名
func (d Domains) IsShared(domainName string) bool {
	for _, sd := range d.all {
		if sd == domainName {
			return true
		}
	}
	return false
}

// Matching 返回与域名相同或作为其父域的共享域名，优先匹配最长的一个
func (d Domains) Matching(domainName string) (string, bool) {
	best := ""
	for _, sd := range d.all {
		if (domainName == sd || strings.HasSuffix(domainName, "."+sd)) && len(sd) > len(best) {
			best = sd
		}
	}
	return best, best != ""
}

// RootLabel 去掉根域名后缀后的子域标签；域名不在根域名之下时 ok 为 false
func (d Domains) RootLabel(domainName string) (label string, ok bool) {
	suffix := "." + d.root
	if !strings.HasSuffix(domainName, suffix) {
		return "", false
	}
	label = strings.TrimSuffix(domainName, suffix)
	return label, label != ""
}
