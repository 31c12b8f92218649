// Package role はロールに応じた遷移先の決定とルートグループのアクセス判定を行う。
package role

import (
	"strings"

	"github.com/hitoshi/coffeeshop/internal/model"
)

// 遷移先パス
const (
	PathEntry     = "/"
	PathSignup    = "/signup"
	PathCallback  = "/auth/callback"
	PathCustomer  = "/index"
	PathDashboard = "/dashboard"
)

// DestinationFor はロールの既定の遷移先を返す。
// 未知のロールや空のロールは顧客として扱う。
func DestinationFor(r model.Role) string {
	if IsElevated(r) {
		return PathDashboard
	}
	return PathCustomer
}

// IsElevated はダッシュボードにアクセスできるロールかどうかを返す。
func IsElevated(r model.Role) bool {
	switch r {
	case model.RoleAdmin, model.RoleManager, model.RoleStaff:
		return true
	default:
		return false
	}
}

// Destination は閲覧者の遷移先を返す。
// 昇格ロールでもactiveでなければ顧客ページに送る。
func Destination(u *model.UserData) string {
	if u == nil || u.Status != model.StatusActive {
		return PathCustomer
	}
	return DestinationFor(u.Role)
}

// Group はルートグループ。
type Group string

const (
	// GroupPublic はセッションなしでアクセスできる。
	GroupPublic Group = "public"
	// GroupAuthenticated はactiveなセッションであればロールを問わない。
	GroupAuthenticated Group = "authenticated"
	// GroupCustomer は昇格していないactiveなユーザー向け。
	GroupCustomer Group = "customer"
	// GroupElevated はactiveな admin/manager/staff 向け。
	GroupElevated Group = "elevated"
)

var (
	publicExact      = []string{PathEntry, PathSignup, PathCallback}
	publicPrefixes   = []string{"/auth/", "/static/", "/privacy", "/terms", "/contact"}
	elevatedPrefixes = []string{PathDashboard, "/api" + PathDashboard}
	customerPrefixes = []string{PathCustomer, "/order", "/menu"}
	// 認証済みの閲覧者は遷移先へ送り返すページ
	entryPages = []string{PathEntry, PathSignup}
)

// GroupFor はリクエストパスのルートグループを返す。
// どの規則にも当たらないパスは認証済みグループとする。
func GroupFor(path string) Group {
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	if IsPublic(path) {
		return GroupPublic
	}
	for _, p := range elevatedPrefixes {
		if underPath(path, p) {
			return GroupElevated
		}
	}
	for _, p := range customerPrefixes {
		if underPath(path, p) {
			return GroupCustomer
		}
	}
	return GroupAuthenticated
}

// IsPublic は公開パスかどうかを返す。
func IsPublic(path string) bool {
	for _, p := range publicExact {
		if path == p {
			return true
		}
	}
	for _, p := range publicPrefixes {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if underPath(path, p) {
			return true
		}
	}
	return false
}

// underPath はpathがprefix自身またはその配下かどうかを返す。
func underPath(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// IsEntryPage はサインイン済みなら遷移先に送るべきページかどうかを返す。
func IsEntryPage(path string) bool {
	for _, p := range entryPages {
		if path == p {
			return true
		}
	}
	return false
}

// Decision はアクセス判定の結果。
type Decision struct {
	Allowed  bool
	Redirect string // Allowedがfalseの場合の遷移先
}

// Authorize は閲覧者がルートグループにアクセスできるかを判定する。
// 拒否した場合はエラーページではなく閲覧者自身の遷移先へ送る。
// 未ログインやactiveでない閲覧者は公開エントリーへ送る。
func Authorize(g Group, u *model.UserData) Decision {
	if g == GroupPublic {
		return Decision{Allowed: true}
	}
	if u == nil || u.Status != model.StatusActive {
		return Decision{Redirect: PathEntry}
	}

	switch g {
	case GroupElevated:
		if IsElevated(u.Role) {
			return Decision{Allowed: true}
		}
	case GroupCustomer:
		if !IsElevated(u.Role) {
			return Decision{Allowed: true}
		}
	default:
		return Decision{Allowed: true}
	}
	return Decision{Redirect: Destination(u)}
}
