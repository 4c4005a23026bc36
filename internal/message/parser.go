// Package message 将原始 MIME 邮件解析为只读的 domain.EmailData 视图。
package message

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"aliasrelay/backend/internal/domain"
)

const pgpEncryptedProtocol = "application/pgp-encrypted"

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// Parse 解析原始邮件，sender 为信封发件人
func Parse(raw []byte, sender string) (*domain.EmailData, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	header := textproto.MIMEHeader(msg.Header)
	data := &domain.EmailData{
		Sender:      strings.TrimSpace(sender),
		Subject:     decodeHeader(header.Get("Subject")),
		InReplyTo:   strings.TrimSpace(header.Get("In-Reply-To")),
		References:  strings.TrimSpace(header.Get("References")),
		MessageID:   strings.TrimSpace(header.Get("Message-Id")),
		Size:        int64(len(raw)),
		Header:      header,
		Attachments: make([]domain.Attachment, 0),
	}

	if addr := parseAddress(header.Get("From")); addr != nil {
		data.FromAddress = strings.ToLower(addr.Address)
		data.DisplayFrom = addr.Name
	}
	if addr := parseAddress(header.Get("Reply-To")); addr != nil {
		data.ReplyTo = strings.ToLower(addr.Address)
	}

	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		// 没有 Content-Type 或解析失败时当作纯文本处理
		body, err := decodeBody(msg.Body, header.Get("Content-Transfer-Encoding"), "")
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		data.Text = body
		return data, nil
	}

	switch {
	case mediaType == "multipart/encrypted" && strings.EqualFold(params["protocol"], pgpEncryptedProtocol):
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		parts, err := readEncryptedParts(multipart.NewReader(msg.Body, boundary))
		if err != nil {
			return nil, fmt.Errorf("parse encrypted parts: %w", err)
		}
		data.EncryptedParts = parts

	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		if err := parseMultipart(multipart.NewReader(msg.Body, boundary), data); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}

	default:
		body, err := decodeBody(msg.Body, header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		if strings.HasPrefix(mediaType, "text/html") {
			data.HTML = body
		} else {
			data.Text = body
		}
	}

	return data, nil
}

// readEncryptedParts 原样读取 PGP/MIME 的各个部分
func readEncryptedParts(mr *multipart.Reader) ([]domain.EncryptedPart, error) {
	var parts []domain.EncryptedPart
	for {
		part, err := mr.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(part)
		if err != nil {
			return nil, err
		}
		h := make(map[string][]string, len(part.Header))
		for k, v := range part.Header {
			h[k] = append([]string(nil), v...)
		}
		parts = append(parts, domain.EncryptedPart{
			ContentType: part.Header.Get("Content-Type"),
			Header:      h,
			Body:        body,
		})
	}
	return parts, nil
}

// parseMultipart 递归解析多部分邮件
func parseMultipart(mr *multipart.Reader, data *domain.EmailData) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), data); err != nil {
					return err
				}
			}
			continue
		}

		dispType, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		isText := strings.HasPrefix(mediaType, "text/plain") || strings.HasPrefix(mediaType, "text/html")
		if dispType == "attachment" || (dispType == "inline" && dispParams["filename"] != "") || !isText {
			filename := dispParams["filename"]
			if filename == "" {
				filename = params["name"]
			}
			if filename == "" {
				filename = "unnamed"
			}

			content, err := decodeBytes(part, part.Header.Get("Content-Transfer-Encoding"))
			if err != nil {
				continue
			}
			data.Attachments = append(data.Attachments, domain.Attachment{
				Filename: decodeHeader(filename),
				MIMEType: mediaType,
				Content:  content,
			})
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}
		if strings.HasPrefix(mediaType, "text/html") {
			if data.HTML == "" {
				data.HTML = body
			}
		} else if data.Text == "" {
			data.Text = body
		}
	}
	return nil
}

// decodeBytes 按传输编码解码
func decodeBytes(reader io.Reader, transferEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		reader = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		reader = quotedprintable.NewReader(reader)
	}
	return io.ReadAll(reader)
}

// decodeBody 按传输编码解码后再做字符集转换
func decodeBody(reader io.Reader, transferEncoding, charset string) (string, error) {
	body, err := decodeBytes(reader, transferEncoding)
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := getCharsetEncoding(charset); enc != nil {
			if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
				body = converted
			}
		}
	}
	return string(body), nil
}

// getCharsetEncoding 根据字符集名称返回编码器
func getCharsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "shift_jis":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	}
	if enc, err := htmlindex.Get(charset); err == nil {
		return enc
	}
	return nil
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc := getCharsetEncoding(strings.ToLower(charset))
	if enc == nil {
		return nil, fmt.Errorf("unhandled charset %q", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func parseAddress(value string) *mail.Address {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parser := mail.AddressParser{WordDecoder: wordDecoder}
	addr, err := parser.Parse(value)
	if err != nil {
		return nil
	}
	return addr
}
