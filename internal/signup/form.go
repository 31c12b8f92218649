// Package signup はサインアップ・ログインフォームの検証を行う。
package signup

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/coffeeshop/internal/model"
)

// Mode はフォームの用途。
type Mode string

const (
	ModeSignup Mode = "signup"
	ModeLogin  Mode = "login"
)

// MinPhoneDigits は電話番号として受け付ける最小の桁数。
const MinPhoneDigits = 10

// フィールド単位のエラーメッセージ
const (
	MsgRequired     = "This field is required."
	MsgInvalidEmail = "Please enter a valid email address."
	MsgInvalidPhone = "Please enter a valid phone number."
	MsgAcceptTerms  = "Please accept the Terms & Conditions to continue."
	MsgInvalidMode  = "Mode must be signup or login."
)

// Form はサインアップ・ログインの入力値。
// 氏名と規約同意はサインアップ時のみ必須。
type Form struct {
	Mode        Mode   `json:"mode" validate:"oneof=signup login"`
	Email       string `json:"email" validate:"required,email,dotted_domain"`
	FirstName   string `json:"firstname" validate:"required_if=Mode signup"`
	LastName    string `json:"lastname" validate:"required_if=Mode signup"`
	Phone       string `json:"phone" validate:"omitempty,phone_digits"`
	Address     string `json:"address"`
	City        string `json:"city"`
	Zipcode     string `json:"zipcode"`
	AcceptTerms bool   `json:"accept_terms" validate:"required_if=Mode signup"`
	Remember    bool   `json:"remember"`
}

var validate = newValidator()

// newValidator はjsonタグ名でエラーを報告するvalidatorを生成する。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// ドメイン部にドットのないアドレス（user@localhost など）は受け付けない
	v.RegisterValidation("dotted_domain", func(fl validator.FieldLevel) bool {
		_, domain, ok := strings.Cut(fl.Field().String(), "@")
		return ok && strings.Contains(strings.Trim(domain, "."), ".")
	})
	v.RegisterValidation("phone_digits", func(fl validator.FieldLevel) bool {
		return len(digits(fl.Field().String())) >= MinPhoneDigits
	})
	return v
}

// Normalize は前後の空白を取り除き、メールアドレスを小文字にする。モード未指定はログインとする。
// 電話番号は表示形式 (xxx) xxx-xxxx に揃える。
func (f *Form) Normalize() {
	f.Mode = Mode(strings.ToLower(strings.TrimSpace(string(f.Mode))))
	if f.Mode == "" {
		f.Mode = ModeLogin
	}
	f.Email = strings.ToLower(strings.TrimSpace(f.Email))
	f.FirstName = strings.TrimSpace(f.FirstName)
	f.LastName = strings.TrimSpace(f.LastName)
	f.Phone = FormatPhone(f.Phone)
	f.Address = strings.TrimSpace(f.Address)
	f.City = strings.TrimSpace(f.City)
	f.Zipcode = strings.TrimSpace(f.Zipcode)
}

// Validate は入力を検証し、フィールド名からメッセージへのマップを返す。
// 問題がなければnilを返す。エラーは1件目で打ち切らず全て返す。
func (f *Form) Validate() map[string]string {
	err := validate.Struct(f)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"form": err.Error()}
	}
	errs := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		errs[fe.Field()] = message(fe)
	}
	return errs
}

// message はタグごとの利用者向けメッセージを返す。
func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "oneof":
		return MsgInvalidMode
	case "email", "dotted_domain":
		return MsgInvalidEmail
	case "phone_digits":
		return MsgInvalidPhone
	}
	if fe.Field() == "accept_terms" {
		return MsgAcceptTerms
	}
	return MsgRequired
}

// Pending はOAuthリダイレクト前に保存するサインアップ入力を返す。
func (f *Form) Pending() model.PendingSignup {
	return model.PendingSignup{
		FirstName: f.FirstName,
		LastName:  f.LastName,
		Phone:     f.Phone,
		Address:   f.Address,
		City:      f.City,
		Zipcode:   f.Zipcode,
	}
}

// Metadata はメールリンク送信時にユーザーのmetadataとして渡す値を返す。
// ログインでは何も渡さない。空の任意項目はnullにする。
func (f *Form) Metadata() map[string]any {
	if f.Mode != ModeSignup {
		return nil
	}
	return map[string]any{
		"firstname": f.FirstName,
		"lastname":  f.LastName,
		"phone":     nullable(f.Phone),
		"address":   nullable(f.Address),
		"city":      nullable(f.City),
		"zipcode":   nullable(f.Zipcode),
	}
}

// FormatPhone は数字だけを取り出し、(xxx) xxx-xxxx の形に整える。10桁を超える分は切り捨てる。
func FormatPhone(value string) string {
	d := digits(value)
	switch {
	case len(d) < 4:
		return d
	case len(d) < 7:
		return "(" + d[:3] + ") " + d[3:]
	default:
		if len(d) > 10 {
			d = d[:10]
		}
		return "(" + d[:3] + ") " + d[3:6] + "-" + d[6:]
	}
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
