package validation

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"crowdfund/internal/errors"
	"crowdfund/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	hashRegex      = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	signatureRegex = regexp.MustCompile("^0x[0-9a-fA-F]{130,132}$")
	nonceRegex     = regexp.MustCompile("^[0-9a-fA-F]{32}$")
	jwtRegex       = regexp.MustCompile(`^[A-Za-z0-9_=-]+\.[A-Za-z0-9_=-]+\.[A-Za-z0-9_\-+/=]*$`)

	// MinDonation 最小捐款金额
	MinDonation = decimal.RequireFromString("0.001")
)

// 字段长度限制
const (
	TitleMinLen       = 3
	TitleMaxLen       = 100
	DescriptionMinLen = 10
	DescriptionMaxLen = 500
	MaxAmountDecimals = 18

	// DefaultMaxImageSize 图片大小上限
	DefaultMaxImageSize int64 = 5 * 1024 * 1024
)

// AllowedImageTypes 允许上传的图片类型
var AllowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
}

// Validator 请求参数验证器
type Validator struct {
	logger       *logrus.Logger
	maxImageSize int64
	now          func() time.Time
	rules        map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                     `json:"valid"`
	Errors   []*errors.CrowdfundError `json:"errors,omitempty"`
	DataType string                   `json:"data_type"`
}

// Err 第一个错误，全部通过时返回nil
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

func (r *ValidationResult) add(err error, field string) {
	if err == nil {
		return
	}
	r.Valid = false
	ce, ok := errors.As(err)
	if !ok {
		ce = errors.Wrap(err, errors.ErrorTypeValidation, errors.SeverityLow, errors.CodeValidation, "参数验证失败")
	}
	r.Errors = append(r.Errors, ce.WithContext("field", field))
}

func newResult(dataType string) *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		DataType: dataType,
		Errors:   make([]*errors.CrowdfundError, 0),
	}
}

// NewValidator 创建验证器，maxImageSize<=0时使用默认上限
func NewValidator(logger *logrus.Logger, maxImageSize int64) *Validator {
	if maxImageSize <= 0 {
		maxImageSize = DefaultMaxImageSize
	}
	v := &Validator{
		logger:       logger,
		maxImageSize: maxImageSize,
		now:          time.Now,
		rules:        make(map[string]ValidationRule),
	}

	v.registerDefaultRules()

	return v
}

// registerDefaultRules 注册默认验证规则
func (v *Validator) registerDefaultRules() {
	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewHashValidationRule())
	v.AddRule(NewSignatureValidationRule())
	v.AddRule(NewNonceValidationRule())
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

func (v *Validator) apply(name string, data interface{}) error {
	rule, ok := v.rules[name]
	if !ok {
		return fmt.Errorf("未注册的验证规则: %s", name)
	}
	return rule.Validate(data)
}

// ValidateAddress 校验单个地址参数
func (v *Validator) ValidateAddress(address string) error {
	return v.apply("address", address)
}

// ValidateNonceRequest 验证获取nonce请求
func (v *Validator) ValidateNonceRequest(req *models.NonceRequest) *ValidationResult {
	result := newResult("nonce_request")
	if req == nil {
		result.add(errors.Validation("请求为空"), "body")
		return result
	}
	result.add(v.apply("address", req.Wallet), "wallet")
	return result
}

// ValidateSignIn 验证登录请求
func (v *Validator) ValidateSignIn(req *models.SignInRequest) *ValidationResult {
	result := newResult("sign_in")
	if req == nil {
		result.add(errors.Validation("请求为空"), "body")
		return result
	}
	result.add(v.apply("address", req.Wallet), "wallet")
	result.add(v.apply("signature", req.Signature), "signature")
	result.add(v.apply("nonce", req.Nonce), "nonce")
	return result
}

// ValidateRefresh 验证刷新令牌请求
func (v *Validator) ValidateRefresh(req *models.RefreshRequest) *ValidationResult {
	result := newResult("refresh")
	if req == nil {
		result.add(errors.Validation("请求为空"), "body")
		return result
	}
	result.add(v.apply("address", req.Wallet), "wallet")
	if !jwtRegex.MatchString(req.RefreshToken) {
		result.add(errors.New(errors.ErrorTypeValidation, errors.SeverityLow, "INVALID_REFRESH_TOKEN", "刷新令牌格式无效"), "refreshToken")
	}
	return result
}

// ValidateCreateCampaign 验证创建活动请求
func (v *Validator) ValidateCreateCampaign(req *models.CreateCampaignRequest) *ValidationResult {
	result := newResult("create_campaign")
	if req == nil {
		result.add(errors.Validation("请求为空"), "body")
		return result
	}

	title := strings.TrimSpace(req.Title)
	if n := utf8.RuneCountInString(title); n < TitleMinLen || n > TitleMaxLen {
		result.add(errors.New(errors.ErrorTypeValidation, errors.SeverityLow, "INVALID_TITLE",
			fmt.Sprintf("标题长度需在%d到%d个字符之间", TitleMinLen, TitleMaxLen)), "title")
	}

	description := strings.TrimSpace(req.Description)
	if n := utf8.RuneCountInString(description); n < DescriptionMinLen || n > DescriptionMaxLen {
		result.add(errors.New(errors.ErrorTypeValidation, errors.SeverityLow, "INVALID_DESCRIPTION",
			fmt.Sprintf("描述长度需在%d到%d个字符之间", DescriptionMinLen, DescriptionMaxLen)), "description")
	}

	if !req.GoalAmount.IsPositive() {
		result.add(errors.New(errors.ErrorTypeValidation, errors.SeverityLow, "INVALID_GOAL_AMOUNT", "目标金额必须大于0"), "goalAmount")
	} else if decimalPlaces(req.GoalAmount) > MaxAmountDecimals {
		result.add(errors.New(errors.ErrorTypeValidation, errors.SeverityLow, "INVALID_GOAL_AMOUNT",
			fmt.Sprintf("目标金额最多%d位小数", MaxAmountDecimals)), "goalAmount")
	}

	if req.EndDate <= v.now().UnixMilli() {
		result.add(errors.New(errors.ErrorTypeValidation, errors.SeverityLow, "INVALID_END_DATE", "截止时间必须晚于当前时间"), "endDate")
	}

	if req.Image != "" && !strings.HasPrefix(req.Image, "https://") {
		result.add(errors.New(errors.ErrorTypeValidation, errors.SeverityLow, "INVALID_IMAGE", "图片地址无效"), "image")
	}

	result.add(v.apply("hash", req.TransactionHash), "transactionHash")
	return result
}

// ValidateDonation 验证捐款请求
func (v *Validator) ValidateDonation(campaignAddress string, req *models.DonateRequest) *ValidationResult {
	result := newResult("donation")
	result.add(v.apply("address", campaignAddress), "campaignAddress")
	if req == nil {
		result.add(errors.Validation("请求为空"), "body")
		return result
	}

	if req.Amount.LessThan(MinDonation) {
		result.add(errors.New(errors.ErrorTypeValidation, errors.SeverityLow, "INVALID_AMOUNT",
			fmt.Sprintf("捐款金额不能小于%s", MinDonation.String())), "amount")
	} else if decimalPlaces(req.Amount) > MaxAmountDecimals {
		result.add(errors.New(errors.ErrorTypeValidation, errors.SeverityLow, "INVALID_AMOUNT",
			fmt.Sprintf("捐款金额最多%d位小数", MaxAmountDecimals)), "amount")
	}

	result.add(v.apply("hash", req.TransactionHash), "transactionHash")
	return result
}

// ValidateImage 验证上传图片
func (v *Validator) ValidateImage(img *models.ImageUpload) *ValidationResult {
	result := newResult("image")
	if img == nil || img.Size == 0 {
		result.add(errors.New(errors.ErrorTypeValidation, errors.SeverityLow, "FILE_REQUIRED", "缺少上传文件"), "file")
		return result
	}

	contentType := strings.ToLower(strings.TrimSpace(strings.Split(img.ContentType, ";")[0]))
	if !AllowedImageTypes[contentType] {
		result.add(errors.New(errors.ErrorTypeValidation, errors.SeverityLow, "INVALID_FILE_TYPE",
			fmt.Sprintf("不支持的文件类型: %s", img.ContentType)), "file")
	}
	if img.Size > v.maxImageSize {
		result.add(errors.New(errors.ErrorTypeValidation, errors.SeverityLow, "FILE_TOO_LARGE",
			fmt.Sprintf("文件大小不能超过%dMB", v.maxImageSize/1024/1024)), "file")
	}
	return result
}

// decimalPlaces 有效小数位数，末尾的0不计
func decimalPlaces(d decimal.Decimal) int32 {
	exp := d.Exponent()
	if exp >= 0 {
		return 0
	}
	places := -exp
	coef := d.Coefficient()
	ten := big.NewInt(10)
	mod := new(big.Int)
	for places > 0 {
		q, r := new(big.Int).QuoRem(coef, ten, mod)
		if r.Sign() != 0 {
			break
		}
		coef = q
		places--
	}
	return places
}

// isValidHash 验证哈希格式
func isValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}

// isValidAddress 验证EVM地址格式
func isValidAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") {
		return false
	}
	return common.IsHexAddress(addr)
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidAddress(addr) {
		return errors.New(errors.ErrorTypeValidation, errors.SeverityLow,
			"INVALID_ADDRESS_FORMAT", "地址格式无效")
	}

	return nil
}

// HashValidationRule 哈希验证规则
type HashValidationRule struct{}

func NewHashValidationRule() *HashValidationRule {
	return &HashValidationRule{}
}

func (r *HashValidationRule) Name() string {
	return "hash"
}

func (r *HashValidationRule) Description() string {
	return "交易哈希验证规则"
}

func (r *HashValidationRule) Validate(data interface{}) error {
	hash, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidHash(hash) {
		return errors.New(errors.ErrorTypeValidation, errors.SeverityLow,
			"INVALID_HASH_FORMAT", "交易哈希格式无效")
	}

	return nil
}

// SignatureValidationRule 签名验证规则
type SignatureValidationRule struct{}

func NewSignatureValidationRule() *SignatureValidationRule {
	return &SignatureValidationRule{}
}

func (r *SignatureValidationRule) Name() string {
	return "signature"
}

func (r *SignatureValidationRule) Description() string {
	return "钱包签名格式验证规则"
}

func (r *SignatureValidationRule) Validate(data interface{}) error {
	sig, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !signatureRegex.MatchString(sig) {
		return errors.New(errors.ErrorTypeValidation, errors.SeverityLow,
			"INVALID_SIGNATURE_FORMAT", "签名格式无效")
	}

	return nil
}

// NonceValidationRule nonce验证规则
type NonceValidationRule struct{}

func NewNonceValidationRule() *NonceValidationRule {
	return &NonceValidationRule{}
}

func (r *NonceValidationRule) Name() string {
	return "nonce"
}

func (r *NonceValidationRule) Description() string {
	return "登录nonce验证规则"
}

func (r *NonceValidationRule) Validate(data interface{}) error {
	nonce, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !nonceRegex.MatchString(nonce) {
		return errors.New(errors.ErrorTypeValidation, errors.SeverityLow,
			"INVALID_NONCE_FORMAT", "nonce格式无效")
	}

	return nil
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"registered_rules": len(v.rules),
		"max_image_size":   v.maxImageSize,
	}
}
