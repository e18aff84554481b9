// Package event はリアルタイムチャネルで送受信するイベントの形式を定義する。
package event
